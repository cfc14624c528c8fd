// Package ttypes contains the shared types carried through the synthesis
// pipeline. It is used to break import cycles between segment, dict, audit,
// engine and synth.
package ttypes

import (
	"errors"
	"fmt"
)

// ErrVerdictSet is returned when a segment already carries a different verdict.
var ErrVerdictSet = errors.New("segment verdict already set")

// EngineType represents the synthesis engine selection
type EngineType string

const (
	// EngineVoiceVox is an HTTP engine exposing a phrase-level query
	EngineVoiceVox EngineType = "voicevox"

	// EngineCommand is a process-invocation engine (piper and friends)
	EngineCommand EngineType = "command"

	// EngineMock is an in-process engine for tests and dry runs
	EngineMock EngineType = "mock"

	// EngineNone represents no engine selected
	EngineNone EngineType = ""
)

// Verdict records how a segment's pronunciation was decided.
type Verdict string

const (
	// VerdictNone means the segment has not been decided yet
	VerdictNone Verdict = ""

	// VerdictDictionaryOnly is used for engines without a phonetic query
	VerdictDictionaryOnly Verdict = "dictionary_only"

	// VerdictAuditedMatch means both readings agreed after normalization
	VerdictAuditedMatch Verdict = "audited_match"

	// VerdictAuditedAccepted means the adjudicator accepted the engine reading
	VerdictAuditedAccepted Verdict = "audited_accepted"

	// VerdictAuditedPatched means at least one patch was applied
	VerdictAuditedPatched Verdict = "audited_patched"

	// VerdictEscalationSkipped means a disagreement was left unresolved on request
	VerdictEscalationSkipped Verdict = "escalation_skipped"
)

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictNone, VerdictDictionaryOnly, VerdictAuditedMatch,
		VerdictAuditedAccepted, VerdictAuditedPatched, VerdictEscalationSkipped:
		return true
	default:
		return false
	}
}

// Outcome is the per-segment result of the audit stage.
type Outcome int

const (
	// OutcomeResolved means no disagreement remains
	OutcomeResolved Outcome = iota

	// OutcomeEscalated means a disagreement was adjudicated
	OutcomeEscalated

	// OutcomeUnresolved means a disagreement is still open
	OutcomeUnresolved
)

// String returns the string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeEscalated:
		return "escalated"
	case OutcomeUnresolved:
		return "unresolved"
	default:
		return "unknown"
	}
}

// Segment is the unit of work throughout the pipeline.
type Segment struct {
	// Index is the position of the segment in the script
	Index int

	// Text is the original spoken-form text
	Text string

	// ResolvedText is Text after dictionary substitution
	ResolvedText string

	// MorphReading is the tokenizer-derived reading
	MorphReading string

	// EngineReading is the engine's own phonetic reading
	EngineReading string

	// PrePauseSec and PostPauseSec are owned by the segmenter
	PrePauseSec  float64
	PostPauseSec float64

	// IsHeading marks heading segments; HeadingLevel is the number of '#'
	IsHeading    bool
	HeadingLevel int

	// DurationSec is the measured audio length, set by the synthesizer
	DurationSec float64

	// Verdict records how the pronunciation was decided
	Verdict Verdict

	// Placeholders counts fragments replaced by silence
	Placeholders int
}

// SetVerdict sets the verdict once. Setting the same verdict again is a no-op.
func (s *Segment) SetVerdict(v Verdict) error {
	if s.Verdict != VerdictNone && s.Verdict != v {
		return fmt.Errorf("%w: segment %d is %s, refusing %s", ErrVerdictSet, s.Index, s.Verdict, v)
	}
	s.Verdict = v
	return nil
}

// SpokenText returns the text handed to the engine.
func (s Segment) SpokenText() string {
	if s.ResolvedText != "" {
		return s.ResolvedText
	}
	return s.Text
}

// CloneSegments returns a copy of the snapshot so a stage never mutates its input.
func CloneSegments(in []Segment) []Segment {
	out := make([]Segment, len(in))
	copy(out, in)
	return out
}

// Token is a morphological token produced by the tokenizer adapter.
type Token struct {
	Surface   string
	POS       string
	Reading   string // katakana
	CharStart int    // rune offset, inclusive
	CharEnd   int    // rune offset, exclusive
}

// Mora is one phonetic sub-unit of an accent phrase.
type Mora struct {
	Text            string   `json:"text"`
	Consonant       *string  `json:"consonant"`
	ConsonantLength *float64 `json:"consonant_length"`
	Vowel           string   `json:"vowel"`
	VowelLength     float64  `json:"vowel_length"`
	Pitch           float64  `json:"pitch"`
}

// AccentPhrase groups moras sharing one accent nucleus.
type AccentPhrase struct {
	Moras           []Mora `json:"moras"`
	Accent          int    `json:"accent"`
	PauseMora       *Mora  `json:"pause_mora"`
	IsInterrogative bool   `json:"is_interrogative"`
}

// Phrasing is an engine's phrase structure for one text.
type Phrasing struct {
	Phrases []AccentPhrase

	// Params holds the engine-specific remainder of the query, passed back on synthesis
	Params map[string]any
}

// Reading concatenates the mora texts of all phrases.
func (p *Phrasing) Reading() string {
	var n int
	for _, ph := range p.Phrases {
		n += len(ph.Moras)
	}
	buf := make([]byte, 0, n*3)
	for _, ph := range p.Phrases {
		for _, m := range ph.Moras {
			buf = append(buf, m.Text...)
		}
	}
	return string(buf)
}

// Moras returns the moras of all phrases in order.
func (p *Phrasing) Moras() []Mora {
	var out []Mora
	for _, ph := range p.Phrases {
		out = append(out, ph.Moras...)
	}
	return out
}

// Patch is a correction over a global mora range [MoraStart, MoraEnd) of one
// segment's phrasing. It is valid only for the segment it was computed against.
type Patch struct {
	SegmentIndex int    `json:"segment_index"`
	Surface      string `json:"surface"`
	MoraStart    int    `json:"mora_start"`
	MoraEnd      int    `json:"mora_end"`
	Kana         string `json:"kana"`
}
