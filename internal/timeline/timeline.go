// Package timeline derives subtitle cues from the synthesized segment
// sequence. The clock runs in whole frames, the same way the concatenated
// track is written, so cue times match the audio exactly.
package timeline

import (
	"math"

	"github.com/dgnsrekt/yomi/internal/ttypes"
)

// Cue is one segment on the timeline. The display window runs from the start
// of the segment's leading pause to the end of its trailing pause, so
// display windows are contiguous and cover the whole track. The speech
// window is where the voice is actually heard.
type Cue struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	SpeechStart  float64 `json:"speech_start"`
	SpeechEnd    float64 `json:"speech_end"`
	IsHeading    bool    `json:"is_heading,omitempty"`
	Placeholders int     `json:"placeholders,omitempty"`
}

// Build lays segments out in order. With sampleRate > 0 every pause and
// duration is rounded to whole frames at that rate; otherwise plain seconds
// are summed.
func Build(segments []ttypes.Segment, sampleRate int) []Cue {
	c := clock{rate: sampleRate}
	cues := make([]Cue, 0, len(segments))
	for _, seg := range segments {
		start := c.now()
		c.advance(seg.PrePauseSec)
		speechStart := c.now()
		c.advance(seg.DurationSec)
		speechEnd := c.now()
		c.advance(seg.PostPauseSec)

		cues = append(cues, Cue{
			Index:        seg.Index,
			Text:         seg.Text,
			Start:        start,
			End:          c.now(),
			SpeechStart:  speechStart,
			SpeechEnd:    speechEnd,
			IsHeading:    seg.IsHeading,
			Placeholders: seg.Placeholders,
		})
	}
	return cues
}

// Total returns the end of the last cue.
func Total(cues []Cue) float64 {
	if len(cues) == 0 {
		return 0
	}
	return cues[len(cues)-1].End
}

type clock struct {
	rate   int
	frames int64
	secs   float64
}

func (c *clock) advance(sec float64) {
	if sec <= 0 {
		return
	}
	if c.rate > 0 {
		c.frames += int64(math.Round(sec * float64(c.rate)))
		return
	}
	c.secs += sec
}

func (c *clock) now() float64 {
	if c.rate > 0 {
		return float64(c.frames) / float64(c.rate)
	}
	return c.secs
}
