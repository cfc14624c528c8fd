package pipeline

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
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

var lexicon = map[string]string{
	"東京": "トウキョウ",
	"大阪": "オオサカ",
	"今日": "キョウ",
}

// withoutOsaka leaves 大阪 to the engine so its reading can be disputed.
var withoutOsaka = map[string]string{
	"東京": "トウキョウ",
	"今日": "キョウ",
}

const script = "# たび\n東京です。大阪です。\n\n---\n今日です。\n"

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
}

type fixture struct {
	dir     string
	backend engine.Backend
	adj     audit.Adjudicator
	dict    map[string]string
	learned *dict.Learned
	mutate  func(*Options)
}

func (f *fixture) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	logger := quietLogger()
	tok := tokenizer.NewStatic(lexicon)

	b := dict.NewBuilder(logger)
	b.AddMap(dict.TierGlobal, f.dict)

	store, err := cache.NewChunkStore(filepath.Join(f.dir, "chunks"), 0)
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts := Options{
		OutputDir: f.dir,
		AudioName: "episode.wav",
		Pauses:    segment.DefaultPauses(),
		Synth:     synth.DefaultConfig(),
		Subtitle:  timeline.DefaultOptions(),
		Learn:     f.learned != nil,
	}
	if f.mutate != nil {
		f.mutate(&opts)
	}

	p := &Pipeline{
		Tokenizer: tok,
		Resolver:  dict.NewResolver(b.Build()),
		Backend:   f.backend,
		Store:     store,
		Learned:   f.learned,
		Logger:    logger,
		Options:   opts,
	}
	if qb, ok := f.backend.(engine.QueryBackend); ok {
		p.Auditor, err = audit.New(tok, qb, f.adj, audit.DefaultConfig(), logger)
		if err != nil {
			t.Fatalf("audit.New: %v", err)
		}
	}
	return p
}

func TestRunRejectsEmptyScript(t *testing.T) {
	f := &fixture{dir: t.TempDir(), backend: engine.NewMockQuery()}
	p := f.pipeline(t)

	for _, in := range []string{"", "  \n\n", "---\n"} {
		_, err := p.Run(context.Background(), []byte(in))
		if !errors.Is(err, ErrEmptyScript) || KindOf(err) != KindInput {
			t.Errorf("Run(%q) error = %v, want ErrEmptyScript", in, err)
		}
	}
	if _, err := p.Run(context.Background(), []byte{0xff, 0xfe}); KindOf(err) != KindInput {
		t.Errorf("invalid UTF-8 error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, runlog.FileName)); !os.IsNotExist(err) {
		t.Errorf("run log written for rejected input: %v", err)
	}
}

func TestRunProducesAudioSubtitlesAndLog(t *testing.T) {
	backend := engine.NewMockQuery()
	f := &fixture{dir: t.TempDir(), backend: backend, dict: lexicon}
	p := f.pipeline(t)

	res, err := p.Run(context.Background(), []byte(script))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Segments) != 4 {
		t.Fatalf("segments = %d, want 4", len(res.Segments))
	}
	if !res.Segments[0].IsHeading {
		t.Errorf("first segment should be a heading")
	}
	for _, s := range res.Segments {
		if s.Verdict != ttypes.VerdictAuditedMatch {
			t.Errorf("segment %d verdict = %q, want audited_match", s.Index, s.Verdict)
		}
		if s.DurationSec <= 0 {
			t.Errorf("segment %d has no duration", s.Index)
		}
	}
	if res.Segments[1].ResolvedText != "トウキョウです。" {
		t.Errorf("resolved = %q", res.Segments[1].ResolvedText)
	}

	for _, path := range []string{res.AudioPath, res.SubtitlePath, res.LogPath} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing output %s: %v", path, err)
		}
	}
	if _, err := os.Stat(filepath.Join(f.dir, runlock.FileName)); !os.IsNotExist(err) {
		t.Errorf("lock not released: %v", err)
	}

	l, err := runlog.Read(res.LogPath)
	if err != nil {
		t.Fatalf("runlog.Read: %v", err)
	}
	if l.Status != runlog.StatusComplete || l.Engine != "mock" || len(l.Segments) != 4 {
		t.Errorf("log = status %q engine %q segments %d", l.Status, l.Engine, len(l.Segments))
	}
	if len(res.Cues) != 4 || math.Abs(timeline.Total(res.Cues)-res.TotalSec) > 1e-9 {
		t.Errorf("cues do not cover the track: %+v total %.3f", res.Cues, res.TotalSec)
	}
}

func TestRunFailsOnUnresolvedMismatch(t *testing.T) {
	backend := engine.NewMockQuery()
	backend.Readings = map[string]string{"大阪です。": "ダイハンデス"}
	f := &fixture{dir: t.TempDir(), backend: backend, dict: withoutOsaka}
	p := f.pipeline(t)

	_, err := p.Run(context.Background(), []byte(script))
	if !errors.Is(err, ErrUnresolvedMismatch) || KindOf(err) != KindMismatch {
		t.Fatalf("Run error = %v, want unresolved mismatch", err)
	}
	if !strings.Contains(err.Error(), "大阪") {
		t.Errorf("error should name the surface: %v", err)
	}
	if backend.Syntheses() != 0 {
		t.Errorf("synthesized %d chunks before failing", backend.Syntheses())
	}
	if _, err := os.Stat(filepath.Join(f.dir, "episode.wav")); !os.IsNotExist(err) {
		t.Errorf("audio written after failure: %v", err)
	}
}

func TestRunSkipCorrection(t *testing.T) {
	backend := engine.NewMockQuery()
	backend.Readings = map[string]string{"大阪です。": "ダイハンデス"}
	f := &fixture{
		dir:     t.TempDir(),
		backend: backend,
		dict:    withoutOsaka,
		mutate:  func(o *Options) { o.SkipCorrection = true },
	}
	p := f.pipeline(t)

	res, err := p.Run(context.Background(), []byte(script))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := res.Segments[2].Verdict; v != ttypes.VerdictEscalationSkipped {
		t.Errorf("verdict = %q, want escalation_skipped", v)
	}
	for _, i := range []int{0, 1, 3} {
		if v := res.Segments[i].Verdict; v != ttypes.VerdictAuditedMatch {
			t.Errorf("segment %d verdict = %q, want audited_match", i, v)
		}
	}
	if !contains(backend.Synthesized(), "ダイハンデス") {
		t.Errorf("engine reading should be kept, synthesized %v", backend.Synthesized())
	}
}

func TestRunPatchesAndLearns(t *testing.T) {
	backend := engine.NewMockQuery()
	backend.Readings = map[string]string{"大阪です。": "ダイハンデス"}
	learned := dict.NewLearned(filepath.Join(t.TempDir(), "learned.yml"))
	f := &fixture{
		dir:     t.TempDir(),
		backend: backend,
		dict:    withoutOsaka,
		adj:     audit.Table{"大阪": {Action: audit.ActionReject}},
		learned: learned,
	}
	p := f.pipeline(t)

	res, err := p.Run(context.Background(), []byte(script))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := res.Segments[2].Verdict; v != ttypes.VerdictAuditedPatched {
		t.Errorf("verdict = %q, want audited_patched", v)
	}
	if !contains(backend.Synthesized(), "オオサカデス") {
		t.Errorf("patched reading not synthesized: %v", backend.Synthesized())
	}

	entries, err := dict.LoadFile(learned.Path())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(entries) != 1 || entries[0].Surface != "大阪" || entries[0].Reading != "オオサカ" {
		t.Errorf("learned = %+v", entries)
	}
}

func TestRunResumesWithoutEngineCalls(t *testing.T) {
	dir := t.TempDir()
	first := engine.NewMockQuery()
	f := &fixture{dir: dir, backend: first, dict: lexicon}
	if _, err := f.pipeline(t).Run(context.Background(), []byte(script)); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before, err := os.ReadFile(filepath.Join(dir, "episode.wav"))
	if err != nil {
		t.Fatal(err)
	}

	second := engine.NewMockQuery()
	f.backend = second
	res, err := f.pipeline(t).Run(context.Background(), []byte(script))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Queries() != 0 || second.Syntheses() != 0 {
		t.Errorf("queries=%d syntheses=%d, want 0", second.Queries(), second.Syntheses())
	}
	for _, s := range res.Steps {
		if s.State != synth.StateReused {
			t.Errorf("step %d state = %s", s.Index, s.State)
		}
	}
	for _, s := range res.Segments {
		if s.Verdict != ttypes.VerdictAuditedMatch {
			t.Errorf("restored verdict %d = %q", s.Index, s.Verdict)
		}
	}
	after, err := os.ReadFile(filepath.Join(dir, "episode.wav"))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Errorf("resumed audio differs from the original")
	}
}

func TestRunRegeneratesEditedSegment(t *testing.T) {
	dir := t.TempDir()
	f := &fixture{dir: dir, backend: engine.NewMockQuery(), dict: lexicon}
	if _, err := f.pipeline(t).Run(context.Background(), []byte(script)); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := engine.NewMockQuery()
	f.backend = second
	edited := strings.Replace(script, "今日です。", "今日でした。", 1)
	res, err := f.pipeline(t).Run(context.Background(), []byte(edited))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Syntheses() != 1 || second.Queries() != 1 {
		t.Errorf("queries=%d syntheses=%d, want 1 each", second.Queries(), second.Syntheses())
	}
	for _, s := range res.Steps {
		want := synth.StateReused
		if s.Index == 3 {
			want = synth.StateSynthesized
		}
		if s.State != want {
			t.Errorf("step %d = %s (%s), want %s", s.Index, s.State, s.Reason, want)
		}
	}
}

func TestRunExplicitRegen(t *testing.T) {
	dir := t.TempDir()
	f := &fixture{dir: dir, backend: engine.NewMockQuery(), dict: lexicon}
	if _, err := f.pipeline(t).Run(context.Background(), []byte(script)); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := engine.NewMockQuery()
	f.backend = second
	f.mutate = func(o *Options) { o.Regen = []int{1} }
	res, err := f.pipeline(t).Run(context.Background(), []byte(script))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Syntheses() != 1 {
		t.Errorf("syntheses = %d, want 1", second.Syntheses())
	}
	if res.Steps[1].Reason != synth.ReasonRequested {
		t.Errorf("step 1 reason = %s", res.Steps[1].Reason)
	}
}

func TestRunWarnsOnOutOfRangeRegen(t *testing.T) {
	dir := t.TempDir()
	f := &fixture{dir: dir, backend: engine.NewMockQuery(), dict: lexicon}
	if _, err := f.pipeline(t).Run(context.Background(), []byte(script)); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := engine.NewMockQuery()
	f.backend = second
	f.mutate = func(o *Options) { o.Regen = []int{9, 1, -1} }
	p := f.pipeline(t)
	var buf bytes.Buffer
	p.Logger = log.NewWithOptions(&buf, log.Options{Level: log.WarnLevel})

	if _, err := p.Run(context.Background(), []byte(script)); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Syntheses() != 1 {
		t.Errorf("syntheses = %d, want 1", second.Syntheses())
	}
	out := buf.String()
	if !strings.Contains(out, "out of range") || !strings.Contains(out, "-1 9") {
		t.Errorf("log = %q, want a warning naming -1 and 9", out)
	}
}

func TestRunProcessBackendIsDictionaryOnly(t *testing.T) {
	backend := engine.NewMockProcess()
	f := &fixture{dir: t.TempDir(), backend: backend, dict: lexicon}
	res, err := f.pipeline(t).Run(context.Background(), []byte(script))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report != nil {
		t.Errorf("process backend should not be audited")
	}
	for _, s := range res.Segments {
		if s.Verdict != ttypes.VerdictDictionaryOnly {
			t.Errorf("segment %d verdict = %q", s.Index, s.Verdict)
		}
	}
	if got := backend.Texts(); len(got) != 4 || !contains(got, "トウキョウです。") {
		t.Errorf("texts = %v", got)
	}
}

func TestRunRefusesLockedOutput(t *testing.T) {
	dir := t.TempDir()
	lock, err := runlock.Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	f := &fixture{dir: dir, backend: engine.NewMockQuery()}
	_, err = f.pipeline(t).Run(context.Background(), []byte(script))
	if !errors.Is(err, runlock.ErrLocked) || KindOf(err) != KindOutput {
		t.Errorf("Run error = %v, want ErrLocked", err)
	}
}

func TestRunPrunesChunksOfRemovedSegments(t *testing.T) {
	dir := t.TempDir()
	f := &fixture{dir: dir, backend: engine.NewMockQuery(), dict: lexicon}
	if _, err := f.pipeline(t).Run(context.Background(), []byte(script)); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	shorter := strings.Replace(script, "\n---\n今日です。\n", "\n", 1)
	p := f.pipeline(t)
	res, err := p.Run(context.Background(), []byte(shorter))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(res.Segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(res.Segments))
	}
	if p.Store.Exists(3) {
		t.Errorf("chunk 3 should have been pruned")
	}
}
