// Package synth turns resolved segments into cached per-segment chunks and
// concatenates them, with their pauses, into one track.
package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/audio"
	"github.com/dgnsrekt/yomi/internal/cache"
	"github.com/dgnsrekt/yomi/internal/engine"
	"github.com/dgnsrekt/yomi/internal/ttypes"
	"golang.org/x/sync/errgroup"
)

// Synthesis errors
var (
	// ErrNoSegments is returned when there is nothing to synthesize
	ErrNoSegments = errors.New("no segments to synthesize")

	// ErrUnsupportedBackend is returned for a backend with neither capability
	ErrUnsupportedBackend = errors.New("backend has no synthesis capability")

	// ErrPatchWithoutPhrasing is returned when patches arrive without the
	// phrasing they were computed against
	ErrPatchWithoutPhrasing = errors.New("patches given without their phrasing")
)

// Config controls synthesis.
type Config struct {
	// Workers is the number of segments synthesized concurrently
	Workers int `yaml:"workers" mapstructure:"workers"`

	// Attempts is the fixed attempt ceiling per engine call
	Attempts int `yaml:"attempts" mapstructure:"attempts"`

	// PlaceholderSec is the silence substituted for a fragment that cannot be synthesized
	PlaceholderSec float64 `yaml:"placeholder_sec" mapstructure:"placeholder_sec"`
}

// DefaultConfig returns the default synthesis settings.
func DefaultConfig() Config {
	return Config{
		Workers:        2,
		Attempts:       2,
		PlaceholderSec: 0.5,
	}
}

// Input is one synthesis request.
type Input struct {
	Segments []ttypes.Segment

	// Patches and Phrasings come from the audit, keyed by segment index
	Patches   map[int][]ttypes.Patch
	Phrasings map[int]*ttypes.Phrasing

	Regen RegenSet
	Prior *Prior

	// OutputPath is the final WAV file
	OutputPath string
}

// Result is the outcome of a run.
type Result struct {
	// Segments carry measured durations and placeholder counts
	Segments []ttypes.Segment
	Steps    []Step
	Format   audio.Format
	Frames   int
	TotalSec float64
	Summary  Summary
}

// Synthesizer drives one backend against one chunk store.
type Synthesizer struct {
	backend engine.Backend
	store   *cache.ChunkStore
	cfg     Config
	logger  *log.Logger
}

// New creates a Synthesizer.
func New(backend engine.Backend, store *cache.ChunkStore, cfg Config, logger *log.Logger) (*Synthesizer, error) {
	switch backend.(type) {
	case engine.QueryBackend, engine.ProcessBackend:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedBackend, backend)
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Synthesizer{backend: backend, store: store, cfg: cfg, logger: logger}, nil
}

// Run plans, synthesizes the non-reused segments in parallel and
// concatenates every chunk in index order.
func (s *Synthesizer) Run(ctx context.Context, in Input) (*Result, error) {
	if len(in.Segments) == 0 {
		return nil, ErrNoSegments
	}
	segs := ttypes.CloneSegments(in.Segments)
	steps := Plan(segs, s.store, in.Regen, in.Prior, s.backend.Name())
	metrics := NewMetrics(s.logger)
	silent := &silentSegments{seconds: make(map[int]float64)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for pos, step := range steps {
		if step.State == StateReused {
			metrics.add(func(sum *Summary) { sum.Reused++ })
			s.logger.Debug("Reusing chunk", "segment", step.Index)
			continue
		}
		s.logger.Debug("Synthesizing", "segment", step.Index, "reason", step.Reason)
		seg := &segs[pos]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return s.synthesize(gctx, seg, in, metrics, silent)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := s.fillSilent(segs, silent); err != nil {
		return nil, err
	}

	format, frames, err := s.concat(ctx, segs, in.OutputPath)
	if err != nil {
		return nil, err
	}
	metrics.Log()

	return &Result{
		Segments: segs,
		Steps:    steps,
		Format:   format,
		Frames:   frames,
		TotalSec: float64(frames) / float64(format.SampleRate),
		Summary:  metrics.Summary(),
	}, nil
}

// synthesize produces and stores the chunk for one segment. Each worker
// owns its segment, so no locking is needed on it. A process segment with
// no audio at all is left to fillSilent.
func (s *Synthesizer) synthesize(ctx context.Context, seg *ttypes.Segment, in Input, m *Metrics, silent *silentSegments) error {
	var clip audio.Clip
	var err error
	switch b := s.backend.(type) {
	case engine.QueryBackend:
		clip, err = s.synthesizeQuery(ctx, b, seg, in.Phrasings[seg.Index], in.Patches[seg.Index], m)
	case engine.ProcessBackend:
		var placeholders int
		clip, placeholders, err = s.synthesizeProcess(ctx, b, seg, m)
		seg.Placeholders = placeholders
		if err == nil && clip.Data == nil {
			silent.add(seg.Index, float64(placeholders)*s.cfg.PlaceholderSec)
			m.add(func(sum *Summary) { sum.Synthesized++ })
			return nil
		}
	}
	if err != nil {
		return err
	}

	if err := s.store.Put(seg.Index, audio.EncodeWAV(clip.Format, clip.Data)); err != nil {
		return err
	}
	seg.DurationSec = clip.Duration()
	m.add(func(sum *Summary) { sum.Synthesized++ })
	return nil
}

// silentSegments collects the segments whose every fragment failed, with
// the placeholder seconds each needs.
type silentSegments struct {
	mu      sync.Mutex
	seconds map[int]float64
}

func (ss *silentSegments) add(index int, sec float64) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.seconds[index] = sec
}

// fillSilent stores placeholder chunks for fully failed segments in the
// reference format of the run, so they never disagree with real audio.
func (s *Synthesizer) fillSilent(segs []ttypes.Segment, silent *silentSegments) error {
	if len(silent.seconds) == 0 {
		return nil
	}
	ref := s.referenceFormat(segs, silent.seconds)
	for _, seg := range segs {
		sec, ok := silent.seconds[seg.Index]
		if !ok {
			continue
		}
		s.logger.Debug("Segment rendered as silence", "segment", seg.Index, "seconds", sec, "format", ref)
		if err := s.store.Put(seg.Index, audio.EncodeWAV(ref, audio.Silence(ref, ref.Frames(sec)))); err != nil {
			return err
		}
	}
	return nil
}

// referenceFormat is the format of the lowest-index chunk holding real
// audio. The backend's declared format is used only when there is none.
func (s *Synthesizer) referenceFormat(segs []ttypes.Segment, skip map[int]float64) audio.Format {
	for _, seg := range segs {
		if _, ok := skip[seg.Index]; ok {
			continue
		}
		data, err := s.store.Get(seg.Index)
		if err != nil {
			continue
		}
		if clip, err := audio.DecodeWAV(data); err == nil {
			return clip.Format
		}
	}
	if fr, ok := s.backend.(engine.FormatReporter); ok {
		if f := fr.OutputFormat(); f.Validate() == nil {
			return f
		}
	}
	return audio.DefaultFormat()
}

// synthesizeQuery runs query → patch → synthesize. Any failure that survives
// the attempt ceiling is fatal for the run.
func (s *Synthesizer) synthesizeQuery(ctx context.Context, b engine.QueryBackend, seg *ttypes.Segment, phr *ttypes.Phrasing, patches []ttypes.Patch, m *Metrics) (audio.Clip, error) {
	if phr == nil && len(patches) > 0 {
		return audio.Clip{}, fmt.Errorf("segment %d: %w", seg.Index, ErrPatchWithoutPhrasing)
	}
	text := seg.SpokenText()

	var clip audio.Clip
	err := s.attempt(ctx, func() error {
		p := phr
		if p == nil {
			q, err := b.Query(ctx, text)
			if err != nil {
				return err
			}
			p = q
		}
		prepared, err := engine.Prepare(ctx, b, p, patches)
		if err != nil {
			return err
		}
		call := m.StartCall(seg.Index, text)
		data, err := b.Synthesize(ctx, prepared)
		call.End(len(data), err)
		if err != nil {
			return err
		}
		clip, err = decode(data)
		return err
	})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("segment %d: %w", seg.Index, err)
	}
	return clip, nil
}

// attempt runs fn up to the attempt ceiling. Invalid patches and a done
// context are not retried.
func (s *Synthesizer) attempt(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < s.cfg.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, engine.ErrInvalidPatch) || errors.Is(err, engine.ErrEmptyText) {
			return err
		}
		if i+1 < s.cfg.Attempts {
			s.logger.Debug("Retrying engine call", "attempt", i+2, "max", s.cfg.Attempts, "err", err)
		}
	}
	return err
}

func decode(data []byte) (audio.Clip, error) {
	clip, err := audio.Decode(data)
	if err != nil {
		return audio.Clip{}, err
	}
	if err := clip.Validate(); err != nil {
		return audio.Clip{}, err
	}
	if clip.Frames() == 0 {
		return audio.Clip{}, engine.ErrNoAudio
	}
	return clip, nil
}

// concat writes every chunk in index order with its pauses. The lowest
// index sets the reference format; any other format is fatal.
func (s *Synthesizer) concat(ctx context.Context, segs []ttypes.Segment, outPath string) (audio.Format, int, error) {
	if outPath == "" {
		return audio.Format{}, 0, errors.New("no output path")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return audio.Format{}, 0, err
	}
	f, err := os.CreateTemp(filepath.Dir(outPath), "."+filepath.Base(outPath)+".tmp-*")
	if err != nil {
		return audio.Format{}, 0, err
	}
	tmp := f.Name()
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	var w *audio.Writer
	for i := range segs {
		if err := ctx.Err(); err != nil {
			return audio.Format{}, 0, err
		}
		seg := &segs[i]
		data, err := s.store.Get(seg.Index)
		if err != nil {
			return audio.Format{}, 0, err
		}
		clip, err := audio.DecodeWAV(data)
		if err != nil {
			return audio.Format{}, 0, fmt.Errorf("chunk %d: %w", seg.Index, err)
		}
		if w == nil {
			if w, err = audio.NewWriter(f, clip.Format); err != nil {
				return audio.Format{}, 0, err
			}
			s.logger.Debug("Reference format", "segment", seg.Index, "format", clip.Format)
		} else if err := clip.Format.Check(w.Format()); err != nil {
			return audio.Format{}, 0, fmt.Errorf("chunk %d: %w", seg.Index, err)
		}

		ref := w.Format()
		if err := w.WriteSilence(ref.Frames(seg.PrePauseSec)); err != nil {
			return audio.Format{}, 0, err
		}
		if _, err := w.Write(clip.Data); err != nil {
			return audio.Format{}, 0, err
		}
		if err := w.WriteSilence(ref.Frames(seg.PostPauseSec)); err != nil {
			return audio.Format{}, 0, err
		}
		seg.DurationSec = clip.Duration()
	}

	if err := w.Close(); err != nil {
		return audio.Format{}, 0, err
	}
	if err := f.Close(); err != nil {
		return audio.Format{}, 0, err
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return audio.Format{}, 0, err
	}
	return w.Format(), w.Frames(), nil
}
