package synth

import (
	"sort"

	"github.com/dgnsrekt/yomi/internal/cache"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

// State is the planned synthesis state of a segment. Every segment is
// concatenated after its state is reached.
type State string

const (
	StateReused      State = "skipped_reused"
	StateSynthesized State = "synthesized"
)

// Reason explains why a segment is synthesized.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonMissing       Reason = "chunk missing"
	ReasonRequested     Reason = "regeneration requested"
	ReasonTextChanged   Reason = "text changed"
	ReasonUnknown       Reason = "not in prior log"
	ReasonEngineChanged Reason = "engine changed"
)

// RegenSet is an explicit set of segment indices to regenerate. A nil set
// means full resume.
type RegenSet map[int]bool

// NewRegenSet builds a set from indices. An empty, non-nil list still counts
// as an explicit set.
func NewRegenSet(indices []int) RegenSet {
	if indices == nil {
		return nil
	}
	s := make(RegenSet, len(indices))
	for _, i := range indices {
		s[i] = true
	}
	return s
}

// Indices returns the sorted members.
func (s RegenSet) Indices() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Outside returns the sorted members that name no segment of an n-segment
// script. Plan never matches them.
func (s RegenSet) Outside(n int) []int {
	var out []int
	for _, i := range s.Indices() {
		if i < 0 || i >= n {
			out = append(out, i)
		}
	}
	return out
}

// Prior is what the previous run log says about the chunks on disk.
type Prior struct {
	Engine string
	Texts  map[int]string
}

// Step is the planned action for one segment.
type Step struct {
	Index  int
	State  State
	Reason Reason
}

// Plan decides which segments can reuse their cached chunk. A chunk is reused
// only if it exists, the index is not explicitly requested, and the prior log
// (when there is one) shows the same text and the same engine.
func Plan(segments []ttypes.Segment, store *cache.ChunkStore, regen RegenSet, prior *Prior, engineName string) []Step {
	steps := make([]Step, len(segments))
	for i, seg := range segments {
		steps[i] = Step{Index: seg.Index, State: StateSynthesized, Reason: reuse(seg, store, regen, prior, engineName)}
		if steps[i].Reason == ReasonNone {
			steps[i].State = StateReused
		}
	}
	return steps
}

func reuse(seg ttypes.Segment, store *cache.ChunkStore, regen RegenSet, prior *Prior, engineName string) Reason {
	if !store.Exists(seg.Index) {
		return ReasonMissing
	}
	if regen != nil && regen[seg.Index] {
		return ReasonRequested
	}
	if prior == nil {
		return ReasonNone
	}
	if prior.Engine != engineName {
		return ReasonEngineChanged
	}
	text, ok := prior.Texts[seg.Index]
	if !ok {
		return ReasonUnknown
	}
	if text != seg.Text {
		return ReasonTextChanged
	}
	return ReasonNone
}

// Reused returns the indices planned for reuse.
func Reused(steps []Step) map[int]bool {
	out := make(map[int]bool)
	for _, s := range steps {
		if s.State == StateReused {
			out[s.Index] = true
		}
	}
	return out
}

// Invalidate removes the cached chunks of every segment planned for
// synthesis, so a run interrupted before reaching a segment cannot leave an
// old chunk behind under the new text.
func Invalidate(store *cache.ChunkStore, steps []Step) (int, error) {
	n := 0
	for _, st := range steps {
		if st.State != StateSynthesized || st.Reason == ReasonMissing {
			continue
		}
		if err := store.Remove(st.Index); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
