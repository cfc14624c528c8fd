// Package segment splits a narration script into speech segments and infers
// the silence around each one from structural cues.
package segment

import (
	"strings"
	"unicode"

	"github.com/dgnsrekt/yomi/internal/ttypes"
)

// Pauses holds the pause floors, in seconds.
type Pauses struct {
	Sentence  float64 `yaml:"sentence" mapstructure:"sentence"`
	Paragraph float64 `yaml:"paragraph" mapstructure:"paragraph"`
	Marker    float64 `yaml:"marker" mapstructure:"marker"`
	Heading1  float64 `yaml:"heading1" mapstructure:"heading1"`
	Heading2  float64 `yaml:"heading2" mapstructure:"heading2"`
	Heading3  float64 `yaml:"heading3" mapstructure:"heading3"`
}

// DefaultPauses returns the default pause floors.
func DefaultPauses() Pauses {
	return Pauses{
		Sentence:  0.3,
		Paragraph: 0.8,
		Marker:    1.2,
		Heading1:  1.5,
		Heading2:  1.0,
		Heading3:  0.7,
	}
}

// HeadingFloor returns the post-pause floor for a heading level.
func (p Pauses) HeadingFloor(level int) float64 {
	switch {
	case level <= 1:
		return p.Heading1
	case level == 2:
		return p.Heading2
	default:
		return p.Heading3
	}
}

// heading reports the level and text of a line starting with a run of
// '#'. The space after the run is optional.
func heading(line string) (int, string, bool) {
	rest := strings.TrimLeft(line, "#")
	if rest == line {
		return 0, "", false
	}
	return len(line) - len(rest), strings.TrimSpace(rest), true
}

// terminators end a sentence fragment and stay on it.
const terminators = "。！？"

// clauseMarks end a clause inside a sentence.
const clauseMarks = "、，,"

// IsPauseMarker reports whether line is three or more '-' once whitespace is ignored.
func IsPauseMarker(line string) bool {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, line)
	return len(compact) >= 3 && strings.Trim(compact, "-") == ""
}

// Segment splits script into ordered segments. It is pure: no I/O and no
// external calls. Empty input yields an empty slice.
func Segment(script string, pauses Pauses) []ttypes.Segment {
	b := builder{pauses: pauses}
	script = strings.ReplaceAll(script, "\r\n", "\n")
	for _, line := range strings.Split(script, "\n") {
		b.line(line)
	}
	return b.segments
}

type builder struct {
	pauses   Pauses
	segments []ttypes.Segment
}

func (b *builder) line(line string) {
	trimmed := strings.TrimSpace(line)
	level, title, isHeading := heading(trimmed)
	switch {
	case trimmed == "":
		b.raisePrevious(b.pauses.Paragraph)
	case IsPauseMarker(trimmed):
		b.raisePrevious(b.pauses.Marker)
	case isHeading && title == "":
		// A bare run of '#' is a divider, never spoken.
		b.raisePrevious(b.pauses.Paragraph)
	case isHeading:
		seg := ttypes.Segment{
			Text:         title,
			IsHeading:    true,
			HeadingLevel: level,
			PostPauseSec: b.pauses.HeadingFloor(level),
		}
		if len(b.segments) > 0 {
			seg.PrePauseSec = b.pauses.Paragraph
		}
		b.add(seg)
	default:
		for _, frag := range SplitSentences(trimmed) {
			b.add(ttypes.Segment{Text: frag, PostPauseSec: b.pauses.Sentence})
		}
	}
}

func (b *builder) add(seg ttypes.Segment) {
	seg.Index = len(b.segments)
	b.segments = append(b.segments, seg)
}

// raisePrevious lifts the previous segment's post-pause to floor. It never lowers it.
func (b *builder) raisePrevious(floor float64) {
	if len(b.segments) == 0 {
		return
	}
	last := &b.segments[len(b.segments)-1]
	if last.PostPauseSec < floor {
		last.PostPauseSec = floor
	}
}

// SplitSentences splits a line after each terminator, keeping the terminator
// on its fragment. Any unterminated remainder is its own trailing fragment.
// Fragments are trimmed; whitespace-only fragments are dropped.
func SplitSentences(line string) []string {
	return splitAfter(line, terminators)
}

// SplitClauses splits a sentence after commas and sentence terminators. The
// synthesizer falls back to it when a whole sentence cannot be synthesized.
func SplitClauses(sentence string) []string {
	return splitAfter(sentence, terminators+clauseMarks)
}

func splitAfter(line, set string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if frag := strings.TrimSpace(cur.String()); frag != "" {
			out = append(out, frag)
		}
		cur.Reset()
	}
	runes := []rune(line)
	for i, r := range runes {
		cur.WriteRune(r)
		if !strings.ContainsRune(set, r) {
			continue
		}
		// Runs like "！？" stay on one fragment.
		if i+1 < len(runes) && strings.ContainsRune(set, runes[i+1]) {
			continue
		}
		flush()
	}
	flush()
	return out
}
