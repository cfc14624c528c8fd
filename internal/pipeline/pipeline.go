// Package pipeline runs one script through segmentation, dictionary
// resolution, the reading audit, synthesis and subtitle generation. Each
// stage takes a segment snapshot and returns a new one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/audio"
	"github.com/dgnsrekt/yomi/internal/audit"
	"github.com/dgnsrekt/yomi/internal/cache"
	"github.com/dgnsrekt/yomi/internal/dict"
	"github.com/dgnsrekt/yomi/internal/engine"
	"github.com/dgnsrekt/yomi/internal/runlock"
	"github.com/dgnsrekt/yomi/internal/runlog"
	"github.com/dgnsrekt/yomi/internal/segment"
	"github.com/dgnsrekt/yomi/internal/synth"
	"github.com/dgnsrekt/yomi/internal/timeline"
	"github.com/dgnsrekt/yomi/internal/tokenizer"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

// Options are the per-run settings.
type Options struct {
	// OutputDir receives the audio, subtitle and run log
	OutputDir string

	// AudioName is the final track's file name
	AudioName string

	Pauses   segment.Pauses
	Synth    synth.Config
	Subtitle timeline.Options

	// Regen is an explicit regeneration set; nil means full resume
	Regen []int

	// SkipCorrection accepts unresolved mismatches as escalation_skipped
	SkipCorrection bool

	// Learn records adjudicated corrections after a successful run
	Learn bool
}

// Pipeline holds the run's frozen collaborators.
type Pipeline struct {
	Tokenizer tokenizer.Tokenizer
	Resolver  *dict.Resolver
	Overrides dict.Overrides
	Backend   engine.Backend

	// Auditor is used only with a query backend; nil skips the audit
	Auditor *audit.Auditor

	Store   *cache.ChunkStore
	Learned *dict.Learned
	Logger  *log.Logger
	Options Options
}

// Result is what a run produced.
type Result struct {
	Segments     []ttypes.Segment
	Cues         []timeline.Cue
	Steps        []synth.Step
	AudioPath    string
	SubtitlePath string
	LogPath      string
	TotalSec     float64
	Report       *audit.Report
	Stats        synth.Summary
}

func (p *Pipeline) logger() *log.Logger {
	if p.Logger == nil {
		return log.Default()
	}
	return p.Logger
}

// Parse validates and segments a script.
func Parse(script []byte, pauses segment.Pauses) ([]ttypes.Segment, error) {
	if !utf8.Valid(script) {
		return nil, fail(KindInput, "segment", errors.New("script is not valid UTF-8"))
	}
	if strings.TrimSpace(string(script)) == "" {
		return nil, fail(KindInput, "segment", ErrEmptyScript)
	}
	segs := segment.Segment(string(script), pauses)
	if len(segs) == 0 {
		return nil, fail(KindInput, "segment", ErrEmptyScript)
	}
	return segs, nil
}

// Resolve returns a snapshot with ResolvedText set on every segment.
func (p *Pipeline) Resolve(segments []ttypes.Segment) []ttypes.Segment {
	out := ttypes.CloneSegments(segments)
	for i := range out {
		tokens := p.Tokenizer.Tokenize(out[i].Text)
		out[i].ResolvedText = p.Resolver.Resolve(out[i].Index, tokens, p.Overrides)
	}
	return out
}

// Run executes the whole pipeline for one script.
func (p *Pipeline) Run(ctx context.Context, script []byte) (*Result, error) {
	logger := p.logger()
	opts := p.Options

	segs, err := Parse(script, opts.Pauses)
	if err != nil {
		return nil, err
	}

	lock, err := runlock.Acquire(opts.OutputDir)
	if err != nil {
		return nil, fail(KindOutput, "lock", err)
	}
	defer lock.Release()

	res := &Result{
		AudioPath: filepath.Join(opts.OutputDir, opts.AudioName),
		LogPath:   filepath.Join(opts.OutputDir, runlog.FileName),
	}

	segs = p.Resolve(segs)
	logger.Info("Script segmented", "segments", len(segs), "dictionary", p.Resolver.Dictionary().Len())

	prior, priorLog := p.readPrior(res.LogPath)
	regen := synth.NewRegenSet(opts.Regen)
	if bad := regen.Outside(len(segs)); len(bad) > 0 {
		logger.Warn("Ignoring regeneration indices out of range",
			"indices", bad, "segments", len(segs))
	}
	steps := synth.Plan(segs, p.Store, regen, prior, p.Backend.Name())
	reused := synth.Reused(steps)
	segs, restored := runlog.Restore(priorLog, segs, reused)
	logger.Info("Resume plan", "reused", len(restored), "synthesize", len(segs)-len(restored))

	segs, report, err := p.audit(ctx, segs, reused)
	if err != nil {
		return nil, err
	}
	res.Report = report

	// The pending log describes every chunk that can be on disk from here on.
	if _, err := synth.Invalidate(p.Store, steps); err != nil {
		return nil, fail(KindOutput, "invalidate", err)
	}
	pending := runlog.New(p.Backend.Name(), script, segs)
	if err := runlog.Write(res.LogPath, pending); err != nil {
		return nil, fail(KindOutput, "run log", err)
	}

	s, err := synth.New(p.Backend, p.Store, opts.Synth, logger)
	if err != nil {
		return nil, fail(KindEngine, "synthesize", err)
	}
	in := synth.Input{
		Segments:   segs,
		Regen:      regen,
		Prior:      prior,
		OutputPath: res.AudioPath,
	}
	if report != nil {
		in.Patches, in.Phrasings = report.Patches, report.Phrasings
	}
	out, err := s.Run(ctx, in)
	if err != nil {
		if errors.Is(err, audio.ErrFormatMismatch) {
			return nil, fail(KindFormat, "concatenate", err)
		}
		return nil, fail(KindEngine, "synthesize", err)
	}
	// The plan computed before invalidation keeps the original reasons.
	res.Segments, res.Steps, res.Stats, res.TotalSec = out.Segments, steps, out.Summary, out.TotalSec

	res.Cues = timeline.Build(out.Segments, out.Format.SampleRate)
	if res.SubtitlePath, err = timeline.Save(res.AudioPath, res.Cues, opts.Subtitle); err != nil {
		return nil, fail(KindOutput, "subtitle", err)
	}

	pending.Complete(out.Segments, out.TotalSec)
	if err := runlog.Write(res.LogPath, pending); err != nil {
		return nil, fail(KindOutput, "run log", err)
	}

	if n, err := p.Store.Prune(len(segs)); err != nil {
		logger.Warn("Failed to prune stale chunks", "err", err)
	} else if n > 0 {
		logger.Info("Pruned stale chunks", "count", n)
	}
	cs := p.Store.Stats()
	logger.Debug("Chunk store",
		"hits", cs.Hits,
		"writes", cs.Writes,
		"removed", cs.Removed,
		"ratio", fmt.Sprintf("%.2f", cs.CompressionRatio()))

	if opts.Learn {
		p.learn(report)
	}

	logger.Info("Run complete",
		"audio", res.AudioPath,
		"subtitle", res.SubtitlePath,
		"duration", fmt.Sprintf("%.2fs", res.TotalSec),
		"run_id", pending.RunID)
	return res, nil
}

// readPrior loads the previous run log. Without a readable log no chunk has a
// known provenance, so nothing is reused.
func (p *Pipeline) readPrior(path string) (*synth.Prior, *runlog.Log) {
	l, err := runlog.ReadOptional(path)
	if err != nil {
		p.logger().Warn("Ignoring unreadable run log", "path", path, "err", err)
		return &synth.Prior{}, nil
	}
	if l == nil {
		return &synth.Prior{}, nil
	}
	if l.Status != runlog.StatusComplete {
		p.logger().Info("Resuming an interrupted run", "run_id", l.RunID)
	}
	return &synth.Prior{Engine: l.Engine, Texts: l.Texts()}, l
}

// audit runs the reading audit on the segments that will be synthesized and
// decides whether the run may continue.
func (p *Pipeline) audit(ctx context.Context, segs []ttypes.Segment, reused map[int]bool) ([]ttypes.Segment, *audit.Report, error) {
	out := ttypes.CloneSegments(segs)
	var targets []ttypes.Segment
	for _, s := range out {
		if !reused[s.Index] {
			targets = append(targets, s)
		}
	}

	_, isQuery := p.Backend.(engine.QueryBackend)
	if !isQuery || p.Auditor == nil || len(targets) == 0 {
		for i := range out {
			if reused[out[i].Index] {
				continue
			}
			if err := out[i].SetVerdict(ttypes.VerdictDictionaryOnly); err != nil {
				return nil, nil, fail(KindResolution, "audit", err)
			}
		}
		return out, nil, nil
	}

	report, err := p.Auditor.Audit(ctx, targets)
	if err != nil {
		return nil, nil, fail(KindEngine, "audit", err)
	}
	p.logger().Info("Reading audit",
		"segments", len(targets),
		"trivial", report.Trivial,
		"mismatches", len(report.Mismatches),
		"calls", report.Calls,
		"unresolved", len(report.Unresolved))

	if report.Aggregate() == ttypes.OutcomeUnresolved {
		if !p.Options.SkipCorrection {
			err := fmt.Errorf("%w: %s (segments %v)", ErrUnresolvedMismatch,
				strings.Join(report.Unresolved, ", "), report.UnresolvedSegments())
			return nil, report, fail(KindMismatch, "audit", err)
		}
		if err := report.SkipUnresolved(); err != nil {
			return nil, report, fail(KindResolution, "audit", err)
		}
		p.logger().Warn("Keeping engine readings for unresolved segments",
			"segments", report.UnresolvedSegments())
	}

	byIndex := make(map[int]ttypes.Segment, len(report.Segments))
	for _, s := range report.Segments {
		byIndex[s.Index] = s
	}
	for i := range out {
		if s, ok := byIndex[out[i].Index]; ok {
			out[i] = s
		}
	}
	return out, report, nil
}

func (p *Pipeline) learn(report *audit.Report) {
	if p.Learned == nil || report == nil {
		return
	}
	learned := report.Learned()
	if len(learned) == 0 {
		return
	}
	entries := make([]dict.Entry, 0, len(learned))
	for surface, reading := range learned {
		entries = append(entries, dict.Entry{Surface: surface, Reading: reading})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Surface < entries[j].Surface })

	n, err := p.Learned.Record(entries)
	if err != nil {
		p.logger().Warn("Failed to record learned readings", "path", p.Learned.Path(), "err", err)
		return
	}
	p.logger().Info("Recorded learned readings", "path", p.Learned.Path(), "new", n)
}
