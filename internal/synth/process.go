package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgnsrekt/yomi/internal/audio"
	"github.com/dgnsrekt/yomi/internal/engine"
	"github.com/dgnsrekt/yomi/internal/segment"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

// splitLevels are tried in order when a fragment fails: lines, then
// sentences, then clauses.
var splitLevels = []func(string) []string{
	splitLines,
	segment.SplitSentences,
	segment.SplitClauses,
}

// piece is one rendered fragment: audio, or a placeholder when clip is nil.
type piece struct {
	clip *audio.Clip
	text string
}

// synthesizeProcess renders a segment on a text-only backend. A fragment
// that fails even at the finest split becomes silence. When no fragment
// produced audio the clip has no data and only the placeholder count is
// returned.
func (s *Synthesizer) synthesizeProcess(ctx context.Context, b engine.ProcessBackend, seg *ttypes.Segment, m *Metrics) (audio.Clip, int, error) {
	var pieces []piece
	if err := s.render(ctx, b, seg.Index, seg.SpokenText(), 0, m, &pieces); err != nil {
		return audio.Clip{}, 0, err
	}

	format, ok := pieceFormat(pieces)
	if !ok {
		m.add(func(sum *Summary) { sum.Placeholders += len(pieces) })
		return audio.Clip{}, len(pieces), nil
	}

	var pcm []byte
	placeholders := 0
	for _, p := range pieces {
		if p.clip == nil {
			placeholders++
			pcm = append(pcm, audio.Silence(format, format.Frames(s.cfg.PlaceholderSec))...)
			continue
		}
		if err := p.clip.Format.Check(format); err != nil {
			return audio.Clip{}, 0, fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		pcm = append(pcm, p.clip.Data...)
	}
	if placeholders > 0 {
		m.add(func(sum *Summary) { sum.Placeholders += placeholders })
	}
	return audio.Clip{Format: format, Data: pcm}, placeholders, nil
}

func (s *Synthesizer) render(ctx context.Context, b engine.ProcessBackend, index int, text string, level int, m *Metrics, out *[]piece) error {
	clip, err := s.processOnce(ctx, b, index, text, m)
	if err == nil {
		*out = append(*out, piece{clip: &clip, text: text})
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for l := level; l < len(splitLevels); l++ {
		parts := splitLevels[l](text)
		if len(parts) < 2 {
			continue
		}
		m.add(func(sum *Summary) { sum.Resplits++ })
		s.logger.Info("Re-splitting failed fragment", "segment", index, "parts", len(parts), "err", err)
		for _, p := range parts {
			if err := s.render(ctx, b, index, p, l+1, m, out); err != nil {
				return err
			}
		}
		return nil
	}

	s.logger.Warn("Fragment replaced by silence", "segment", index, "text", text, "err", err)
	*out = append(*out, piece{text: text})
	return nil
}

func (s *Synthesizer) processOnce(ctx context.Context, b engine.ProcessBackend, index int, text string, m *Metrics) (audio.Clip, error) {
	var clip audio.Clip
	err := s.attempt(ctx, func() error {
		call := m.StartCall(index, text)
		data, err := b.SynthesizeText(ctx, text)
		call.End(len(data), err)
		if err != nil {
			return err
		}
		clip, err = decode(data)
		return err
	})
	return clip, err
}

func pieceFormat(pieces []piece) (audio.Format, bool) {
	for _, p := range pieces {
		if p.clip != nil {
			return p.clip.Format, true
		}
	}
	return audio.Format{}, false
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
