// Package audit compares the tokenizer's reading of each segment with the
// engine's own reading, drops cosmetic differences, and sends the remaining
// disagreements, grouped by surface, to a bounded adjudicator.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/engine"
	"github.com/dgnsrekt/yomi/internal/kana"
	"github.com/dgnsrekt/yomi/internal/tokenizer"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

// ErrUnresolvedMismatch is returned by callers that refuse to ship audio with
// an unresolved pronunciation disagreement.
var ErrUnresolvedMismatch = errors.New("unresolved reading mismatch")

// maxContexts bounds the example sentences sent per surface.
const maxContexts = 3

// Config bounds the audit.
type Config struct {
	// MaxSurfaces is the hard ceiling on distinct surfaces sent per run
	MaxSurfaces int `yaml:"max_surfaces" mapstructure:"max_surfaces"`

	// MaxCalls is the hard ceiling on adjudication calls per run
	MaxCalls int `yaml:"max_calls" mapstructure:"max_calls"`

	// BatchSize is the number of surfaces per call
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`

	// Normalization is the trivial-difference rule set
	Normalization kana.Rules `yaml:"normalization" mapstructure:"normalization"`
}

// DefaultConfig returns the default audit bounds.
func DefaultConfig() Config {
	return Config{
		MaxSurfaces:   40,
		MaxCalls:      3,
		BatchSize:     20,
		Normalization: kana.DefaultRules(),
	}
}

// Mismatch is one occurrence of a disagreement.
type Mismatch struct {
	SegmentIndex int
	Span
	Context string
}

// Report is the result of one audit pass.
type Report struct {
	// Segments is the audited snapshot, in input order
	Segments []ttypes.Segment

	// Outcomes per segment index
	Outcomes map[int]ttypes.Outcome

	// Patches per segment index, valid only against Phrasings[index]
	Patches map[int][]ttypes.Patch

	// Phrasings are the engine queries the patches were computed against
	Phrasings map[int]*ttypes.Phrasing

	// Mismatches are every non-trivial occurrence found
	Mismatches []Mismatch

	// Decisions per surface as returned by the adjudicator
	Decisions map[string]Decision

	// Unresolved lists surfaces left without a usable decision, in first-occurrence order
	Unresolved []string

	// Calls is the number of adjudication calls made
	Calls int

	// Trivial counts segments whose raw readings differed only cosmetically
	Trivial int
}

// UnresolvedSegments returns the sorted indices with an unresolved outcome.
func (r *Report) UnresolvedSegments() []int {
	var out []int
	for i, o := range r.Outcomes {
		if o == ttypes.OutcomeUnresolved {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// SkipUnresolved labels every segment with an unresolved outcome
// escalation_skipped. Audit itself leaves them without a verdict.
func (r *Report) SkipUnresolved() error {
	for i := range r.Segments {
		seg := &r.Segments[i]
		if r.Outcomes[seg.Index] != ttypes.OutcomeUnresolved {
			continue
		}
		if err := seg.SetVerdict(ttypes.VerdictEscalationSkipped); err != nil {
			return err
		}
	}
	return nil
}

// Aggregate returns the worst outcome across segments.
func (r *Report) Aggregate() ttypes.Outcome {
	worst := ttypes.OutcomeResolved
	for _, o := range r.Outcomes {
		if o > worst {
			worst = o
		}
	}
	return worst
}

// Learned returns the surface → reading corrections that were patched in,
// for recording into the learned dictionary.
func (r *Report) Learned() map[string]string {
	out := make(map[string]string)
	for _, ps := range r.Patches {
		for _, p := range ps {
			out[p.Surface] = p.Kana
		}
	}
	return out
}

// Auditor runs the reading comparison for a query-capable engine.
type Auditor struct {
	tok     tokenizer.Tokenizer
	backend engine.QueryBackend
	adj     Adjudicator
	norm    *kana.Normalizer
	cfg     Config
	logger  *log.Logger
}

// New creates an Auditor. adj may be nil, in which case every genuine
// mismatch is unresolved.
func New(tok tokenizer.Tokenizer, backend engine.QueryBackend, adj Adjudicator, cfg Config, logger *log.Logger) (*Auditor, error) {
	norm, err := kana.NewNormalizer(cfg.Normalization)
	if err != nil {
		return nil, fmt.Errorf("invalid normalization rules: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Auditor{tok: tok, backend: backend, adj: adj, norm: norm, cfg: cfg, logger: logger}, nil
}

// Normalizer returns the trivial-difference normalizer in use.
func (a *Auditor) Normalizer() *kana.Normalizer {
	return a.norm
}

// Audit inspects segments (already resolved) and returns a new snapshot with
// readings and verdicts set. An engine query failure aborts the audit. The
// caller decides what an unresolved outcome means.
func (a *Auditor) Audit(ctx context.Context, segments []ttypes.Segment) (*Report, error) {
	rep := &Report{
		Segments:  ttypes.CloneSegments(segments),
		Outcomes:  make(map[int]ttypes.Outcome, len(segments)),
		Patches:   make(map[int][]ttypes.Patch),
		Phrasings: make(map[int]*ttypes.Phrasing, len(segments)),
		Decisions: make(map[string]Decision),
	}

	for i := range rep.Segments {
		seg := &rep.Segments[i]
		ms, err := a.inspect(ctx, seg, rep)
		if err != nil {
			return nil, err
		}
		rep.Mismatches = append(rep.Mismatches, ms...)
		rep.Outcomes[seg.Index] = ttypes.OutcomeResolved
	}

	a.adjudicate(ctx, rep)
	return rep, a.finish(rep)
}

// inspect fills the readings of one segment and returns its genuine mismatches.
func (a *Auditor) inspect(ctx context.Context, seg *ttypes.Segment, rep *Report) ([]Mismatch, error) {
	text := seg.SpokenText()
	tokens := a.tok.Tokenize(text)
	seg.MorphReading = tokenizer.Reading(tokens)

	phr, err := a.backend.Query(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("query segment %d: %w", seg.Index, err)
	}
	rep.Phrasings[seg.Index] = phr
	seg.EngineReading = phr.Reading()

	if a.norm.Equal(seg.MorphReading, seg.EngineReading) {
		if seg.MorphReading != seg.EngineReading {
			rep.Trivial++
		}
		return nil, nil
	}

	moras := phr.Moras()
	engineMoras := make([]string, len(moras))
	for i, m := range moras {
		engineMoras[i] = m.Text
	}

	spans := Align(tokens, engineMoras, a.norm)
	if len(spans) == 0 {
		rep.Trivial++
		a.logger.Debug("Reading difference confined to kana", "segment", seg.Index,
			"morph", seg.MorphReading, "engine", seg.EngineReading)
		return nil, nil
	}

	out := make([]Mismatch, 0, len(spans))
	for _, sp := range spans {
		out = append(out, Mismatch{SegmentIndex: seg.Index, Span: sp, Context: seg.Text})
	}
	return out, nil
}

// adjudicate groups mismatches by surface and spends the call budget.
func (a *Auditor) adjudicate(ctx context.Context, rep *Report) {
	var surfaces []string
	queries := make(map[string]*Query)
	for _, m := range rep.Mismatches {
		q, ok := queries[m.Surface]
		if !ok {
			q = &Query{Surface: m.Surface, MorphReading: m.MorphReading, EngineReading: m.EngineReading}
			queries[m.Surface] = q
			surfaces = append(surfaces, m.Surface)
		}
		if len(q.Contexts) < maxContexts && !contains(q.Contexts, m.Context) {
			q.Contexts = append(q.Contexts, m.Context)
		}
	}
	if len(surfaces) == 0 {
		return
	}

	eligible := surfaces
	if a.cfg.MaxSurfaces >= 0 && len(eligible) > a.cfg.MaxSurfaces {
		a.logger.Warn("Mismatch surfaces over budget", "surfaces", len(surfaces), "max_surfaces", a.cfg.MaxSurfaces)
		eligible = eligible[:a.cfg.MaxSurfaces]
	}

	if a.adj == nil {
		a.logger.Warn("No adjudicator configured", "surfaces", len(surfaces))
		return
	}

	for start := 0; start < len(eligible); start += a.cfg.BatchSize {
		if rep.Calls >= a.cfg.MaxCalls {
			a.logger.Warn("Adjudication call budget exhausted", "max_calls", a.cfg.MaxCalls,
				"remaining", len(eligible)-start)
			break
		}
		end := min(start+a.cfg.BatchSize, len(eligible))
		batch := make([]Query, 0, end-start)
		for _, s := range eligible[start:end] {
			batch = append(batch, *queries[s])
		}

		rep.Calls++
		decisions, err := a.adj.Adjudicate(ctx, batch)
		if err != nil {
			a.logger.Error("Adjudication failed", "call", rep.Calls, "surfaces", len(batch), "err", err)
			break
		}
		for _, q := range batch {
			if d, ok := decisions[q.Surface]; ok {
				rep.Decisions[q.Surface] = d
			}
		}
		a.logger.Info("Adjudicated", "call", rep.Calls, "surfaces", len(batch), "decided", len(decisions))
	}
}

// finish turns decisions into patches, outcomes and verdicts.
func (a *Auditor) finish(rep *Report) error {
	unresolved := make(map[string]bool)
	mismatched := make(map[int]bool)

	for _, m := range rep.Mismatches {
		mismatched[m.SegmentIndex] = true
		kanaFix, ok := a.correction(rep.Decisions[m.Surface], m, rep.Decisions)
		if !ok {
			if !unresolved[m.Surface] {
				unresolved[m.Surface] = true
				rep.Unresolved = append(rep.Unresolved, m.Surface)
			}
			rep.Outcomes[m.SegmentIndex] = ttypes.OutcomeUnresolved
			continue
		}
		if rep.Outcomes[m.SegmentIndex] != ttypes.OutcomeUnresolved {
			rep.Outcomes[m.SegmentIndex] = ttypes.OutcomeEscalated
		}
		if kanaFix != "" {
			rep.Patches[m.SegmentIndex] = append(rep.Patches[m.SegmentIndex], ttypes.Patch{
				SegmentIndex: m.SegmentIndex,
				Surface:      m.Surface,
				MoraStart:    m.MoraStart,
				MoraEnd:      m.MoraEnd,
				Kana:         kanaFix,
			})
		}
	}

	for i := range rep.Segments {
		seg := &rep.Segments[i]
		var v ttypes.Verdict
		switch {
		case rep.Outcomes[seg.Index] == ttypes.OutcomeUnresolved:
			continue
		case len(rep.Patches[seg.Index]) > 0:
			v = ttypes.VerdictAuditedPatched
		case mismatched[seg.Index]:
			v = ttypes.VerdictAuditedAccepted
		default:
			v = ttypes.VerdictAuditedMatch
		}
		if err := seg.SetVerdict(v); err != nil {
			return err
		}
	}

	if len(rep.Unresolved) > 0 {
		a.logger.Warn("Unresolved reading mismatches",
			"surfaces", strings.Join(rep.Unresolved, ","),
			"segments", len(rep.UnresolvedSegments()))
	}
	return nil
}

// correction returns the kana to patch in for m (empty for accept) and
// whether the decision is usable.
func (a *Auditor) correction(d Decision, m Mismatch, decided map[string]Decision) (string, bool) {
	if _, ok := decided[m.Surface]; !ok {
		return "", false
	}
	var reading string
	switch d.Action {
	case ActionAccept:
		return "", true
	case ActionReject:
		reading = m.MorphReading
	case ActionPatch:
		reading = d.Reading
	default:
		return "", false
	}
	reading = kana.NormalizeReading(reading)
	if !kana.IsSafeReading(reading) {
		a.logger.Warn("Unusable correction", "surface", m.Surface, "action", d.Action, "reading", reading)
		return "", false
	}
	if a.norm.Equal(reading, m.EngineReading) {
		// The correction restates what the engine already says.
		return "", true
	}
	return reading, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
