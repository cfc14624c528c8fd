package synth

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/audio"
	"github.com/dgnsrekt/yomi/internal/cache"
	"github.com/dgnsrekt/yomi/internal/engine"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

func quietLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
}

func newStore(t *testing.T) *cache.ChunkStore {
	t.Helper()
	store, err := cache.NewChunkStore(filepath.Join(t.TempDir(), "chunks"), 0)
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newSynth(t *testing.T, b engine.Backend, store *cache.ChunkStore, workers int) *Synthesizer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = workers
	s, err := New(b, store, cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func script(texts ...string) []ttypes.Segment {
	segs := make([]ttypes.Segment, len(texts))
	for i, text := range texts {
		segs[i] = ttypes.Segment{Index: i, Text: text, PostPauseSec: 0.3}
	}
	return segs
}

func priorOf(segs []ttypes.Segment, engineName string) *Prior {
	p := &Prior{Engine: engineName, Texts: make(map[int]string)}
	for _, s := range segs {
		p.Texts[s.Index] = s.Text
	}
	return p
}

func readChunk(t *testing.T, store *cache.ChunkStore, i int) []byte {
	t.Helper()
	data, err := store.Get(i)
	if err != nil {
		t.Fatalf("Get(%d): %v", i, err)
	}
	return data
}

func TestPlan(t *testing.T) {
	store := newStore(t)
	f := audio.DefaultFormat()
	for _, i := range []int{0, 1, 2} {
		if err := store.Put(i, audio.EncodeWAV(f, audio.Silence(f, 10))); err != nil {
			t.Fatal(err)
		}
	}
	segs := script("ア", "イ", "ウ", "エ")

	tests := []struct {
		name   string
		regen  RegenSet
		prior  *Prior
		engine string
		want   []Reason
	}{
		{"full resume without log", nil, nil, "mock", []Reason{ReasonNone, ReasonNone, ReasonNone, ReasonMissing}},
		{"explicit set", NewRegenSet([]int{1}), nil, "mock", []Reason{ReasonNone, ReasonRequested, ReasonNone, ReasonMissing}},
		{"empty explicit set", NewRegenSet([]int{}), nil, "mock", []Reason{ReasonNone, ReasonNone, ReasonNone, ReasonMissing}},
		{"text changed", nil, &Prior{Engine: "mock", Texts: map[int]string{0: "ア", 1: "カ", 2: "ウ"}}, "mock",
			[]Reason{ReasonNone, ReasonTextChanged, ReasonNone, ReasonMissing}},
		{"index not logged", nil, &Prior{Engine: "mock", Texts: map[int]string{0: "ア", 1: "イ"}}, "mock",
			[]Reason{ReasonNone, ReasonNone, ReasonUnknown, ReasonMissing}},
		{"engine changed", nil, priorOf(segs, "voicevox:3"), "mock",
			[]Reason{ReasonEngineChanged, ReasonEngineChanged, ReasonEngineChanged, ReasonMissing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := Plan(segs, store, tt.regen, tt.prior, tt.engine)
			for i, st := range steps {
				if st.Reason != tt.want[i] {
					t.Errorf("step %d reason = %q, want %q", i, st.Reason, tt.want[i])
				}
				wantState := StateSynthesized
				if tt.want[i] == ReasonNone {
					wantState = StateReused
				}
				if st.State != wantState {
					t.Errorf("step %d state = %q, want %q", i, st.State, wantState)
				}
			}
		})
	}
}

func TestRunConcatenatesInOrderWithPauses(t *testing.T) {
	store := newStore(t)
	backend := engine.NewMockQuery()
	s := newSynth(t, backend, store, 4)

	segs := script("アイウ", "カキクケコ", "サ", "タチ")
	segs[0].PrePauseSec = 0.8
	segs[3].PostPauseSec = 1.2
	out := filepath.Join(t.TempDir(), "out.wav")

	res, err := s.Run(context.Background(), Input{Segments: segs, OutputPath: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if segs[0].DurationSec != 0 {
		t.Error("Run mutated its input")
	}

	f := backend.Format
	var want []byte
	for i, seg := range res.Segments {
		moras := len([]rune(seg.Text))
		wantDur := float64(moras*backend.FramesPerMora) / float64(f.SampleRate)
		if seg.DurationSec != wantDur {
			t.Errorf("segment %d duration = %v, want %v", i, seg.DurationSec, wantDur)
		}
		clip, err := audio.DecodeWAV(readChunk(t, store, i))
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, audio.Silence(f, f.Frames(seg.PrePauseSec))...)
		want = append(want, clip.Data...)
		want = append(want, audio.Silence(f, f.Frames(seg.PostPauseSec))...)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	got, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Format != f || !bytes.Equal(got.Data, want) {
		t.Errorf("output = %d bytes %s, want %d bytes %s", len(got.Data), got.Format, len(want), f)
	}
	if res.Frames != got.Frames() || res.TotalSec != got.Duration() {
		t.Errorf("frames=%d total=%v, want %d/%v", res.Frames, res.TotalSec, got.Frames(), got.Duration())
	}
	if res.Summary.Synthesized != 4 || res.Summary.Reused != 0 {
		t.Errorf("summary = %+v", res.Summary)
	}
}

func TestRunResumeMakesNoCalls(t *testing.T) {
	store := newStore(t)
	backend := engine.NewMockQuery()
	s := newSynth(t, backend, store, 2)
	segs := script("アイ", "ウエ", "オ")
	dir := t.TempDir()

	if _, err := s.Run(context.Background(), Input{Segments: segs, OutputPath: filepath.Join(dir, "a.wav")}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before := [][]byte{readChunk(t, store, 0), readChunk(t, store, 1), readChunk(t, store, 2)}
	calls := backend.Syntheses()

	res, err := s.Run(context.Background(), Input{
		Segments:   segs,
		Prior:      priorOf(segs, backend.Name()),
		OutputPath: filepath.Join(dir, "b.wav"),
	})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := backend.Syntheses(); got != calls {
		t.Errorf("resume made %d synthesis calls", got-calls)
	}
	for i := range before {
		if !bytes.Equal(before[i], readChunk(t, store, i)) {
			t.Errorf("chunk %d changed on resume", i)
		}
		if res.Segments[i].DurationSec == 0 {
			t.Errorf("segment %d duration not measured on reuse", i)
		}
	}
	a, _ := os.ReadFile(filepath.Join(dir, "a.wav"))
	b, _ := os.ReadFile(filepath.Join(dir, "b.wav"))
	if !bytes.Equal(a, b) {
		t.Error("resumed output differs")
	}
}

func TestRunPartialRegeneration(t *testing.T) {
	store := newStore(t)
	backend := engine.NewMockQuery()
	s := newSynth(t, backend, store, 2)
	segs := script("アイ", "ウエ", "オ")
	out := filepath.Join(t.TempDir(), "out.wav")

	if _, err := s.Run(context.Background(), Input{Segments: segs, OutputPath: out}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	type snap struct {
		data []byte
		mod  int64
	}
	take := func(i int) snap {
		mt, err := store.ModTime(i)
		if err != nil {
			t.Fatal(err)
		}
		return snap{readChunk(t, store, i), mt.UnixNano()}
	}
	c0, c2 := take(0), take(2)
	calls := backend.Syntheses()

	_, err := s.Run(context.Background(), Input{
		Segments:   segs,
		Regen:      NewRegenSet([]int{1}),
		Prior:      priorOf(segs, backend.Name()),
		OutputPath: out,
	})
	if err != nil {
		t.Fatalf("regen Run: %v", err)
	}
	if got := backend.Syntheses() - calls; got != 1 {
		t.Errorf("regen made %d calls, want 1", got)
	}
	if got := backend.Synthesized(); got[len(got)-1] != "ウエ" {
		t.Errorf("last synthesized = %q", got[len(got)-1])
	}
	for i, before := range map[int]snap{0: c0, 2: c2} {
		after := take(i)
		if after.mod != before.mod || !bytes.Equal(after.data, before.data) {
			t.Errorf("chunk %d touched by partial regeneration", i)
		}
	}
}

func TestRunAppliesPatches(t *testing.T) {
	store := newStore(t)
	backend := engine.NewMockQuery()
	s := newSynth(t, backend, store, 1)
	segs := script("東京")

	in := Input{
		Segments:   segs,
		Phrasings:  map[int]*ttypes.Phrasing{0: engine.MockPhrasing("ヒガシキョウ")},
		Patches:    map[int][]ttypes.Patch{0: {{SegmentIndex: 0, Surface: "東京", MoraStart: 0, MoraEnd: 5, Kana: "トウキョウ"}}},
		OutputPath: filepath.Join(t.TempDir(), "out.wav"),
	}
	if _, err := s.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := backend.Synthesized(); len(got) != 1 || got[0] != "トウキョウ" {
		t.Errorf("synthesized = %q", got)
	}
	if backend.Queries() != 0 {
		t.Errorf("queried %d times, want the audited phrasing reused", backend.Queries())
	}

	in.Phrasings = nil
	in.Regen = NewRegenSet([]int{0})
	if _, err := s.Run(context.Background(), in); !errors.Is(err, ErrPatchWithoutPhrasing) {
		t.Errorf("Run without phrasing error = %v", err)
	}
}

func TestRunQueryFailureIsFatal(t *testing.T) {
	store := newStore(t)
	backend := engine.NewMockQuery()
	backend.SynthErr = map[string]error{"ウエ": errors.New("engine down")}
	s := newSynth(t, backend, store, 1)

	_, err := s.Run(context.Background(), Input{Segments: script("アイ", "ウエ"), OutputPath: filepath.Join(t.TempDir(), "o.wav")})
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Type != engine.ErrorTypeSynthesis {
		t.Fatalf("Run error = %v, want synthesis EngineError", err)
	}
	if got := backend.Syntheses(); got != 1+DefaultConfig().Attempts {
		t.Errorf("syntheses = %d, want one success plus %d attempts", got, DefaultConfig().Attempts)
	}
}

func TestRunFormatMismatchIsFatal(t *testing.T) {
	store := newStore(t)
	backend := engine.NewMockQuery()
	s := newSynth(t, backend, store, 1)
	segs := script("アイ", "ウエ")

	// A stale chunk from another voice, left in place by a reuse.
	other := audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	if err := store.Put(1, audio.EncodeWAV(other, audio.Silence(other, 100))); err != nil {
		t.Fatal(err)
	}
	prior := &Prior{Engine: backend.Name(), Texts: map[int]string{1: "ウエ"}}

	_, err := s.Run(context.Background(), Input{Segments: segs, Prior: prior, OutputPath: filepath.Join(t.TempDir(), "o.wav")})
	if !errors.Is(err, audio.ErrFormatMismatch) {
		t.Fatalf("Run error = %v, want ErrFormatMismatch", err)
	}
}

func TestRunProcessPlaceholders(t *testing.T) {
	store := newStore(t)
	backend := engine.NewMockProcess()
	backend.Fail = func(text string) bool { return strings.Contains(text, "壊") }
	s := newSynth(t, backend, store, 2)

	segs := script("前半、壊れた、後半。", "正常。", "壊")
	res, err := s.Run(context.Background(), Input{Segments: segs, OutputPath: filepath.Join(t.TempDir(), "o.wav")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	f := backend.Format
	place := f.Frames(DefaultConfig().PlaceholderSec)
	tests := []struct {
		placeholders int
		frames       int
	}{
		{1, 6*backend.FramesPerRune + place},
		{0, 3 * backend.FramesPerRune},
		{1, place},
	}
	for i, tt := range tests {
		seg := res.Segments[i]
		if seg.Placeholders != tt.placeholders {
			t.Errorf("segment %d placeholders = %d, want %d", i, seg.Placeholders, tt.placeholders)
		}
		if want := float64(tt.frames) / float64(f.SampleRate); seg.DurationSec != want {
			t.Errorf("segment %d duration = %v, want %v", i, seg.DurationSec, want)
		}
	}
	if res.Summary.Placeholders != 2 || res.Summary.Resplits != 1 {
		t.Errorf("summary = %+v", res.Summary)
	}

	var sawClause bool
	for _, text := range backend.Texts() {
		if text == "後半。" {
			sawClause = true
		}
	}
	if !sawClause {
		t.Errorf("texts = %q, want clause-level retry", backend.Texts())
	}
}

// misreporting declares a format that differs from what it actually emits,
// like a wav command whose configured rate is stale.
type misreporting struct {
	*engine.MockProcess
	declared audio.Format
}

func (m misreporting) OutputFormat() audio.Format {
	return m.declared
}

func TestRunFullyFailedSegmentUsesReferenceFormat(t *testing.T) {
	emitted := audio.Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	tests := []struct {
		name   string
		texts  []string
		failed int
	}{
		{"failure after audio", []string{"正常。", "壊"}, 1},
		{"failure first", []string{"壊", "正常。"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			mock := engine.NewMockProcess()
			mock.Format = emitted
			mock.Fail = func(text string) bool { return strings.Contains(text, "壊") }
			s := newSynth(t, misreporting{MockProcess: mock, declared: audio.DefaultFormat()}, store, 2)

			res, err := s.Run(context.Background(), Input{Segments: script(tt.texts...), OutputPath: filepath.Join(t.TempDir(), "o.wav")})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Format != emitted {
				t.Errorf("format = %+v, want %+v", res.Format, emitted)
			}
			silent, err := audio.DecodeWAV(readChunk(t, store, tt.failed))
			if err != nil {
				t.Fatal(err)
			}
			if silent.Format != emitted {
				t.Errorf("placeholder chunk format = %+v, want %+v", silent.Format, emitted)
			}
			seg := res.Segments[tt.failed]
			if seg.Placeholders != 1 {
				t.Errorf("placeholders = %d, want 1", seg.Placeholders)
			}
			if want := DefaultConfig().PlaceholderSec; seg.DurationSec != want {
				t.Errorf("duration = %v, want %v", seg.DurationSec, want)
			}
		})
	}
}

func TestRunAllFailedFallsBackToDeclaredFormat(t *testing.T) {
	store := newStore(t)
	mock := engine.NewMockProcess()
	mock.Fail = func(string) bool { return true }
	declared := audio.Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
	s := newSynth(t, misreporting{MockProcess: mock, declared: declared}, store, 1)

	res, err := s.Run(context.Background(), Input{Segments: script("壊"), OutputPath: filepath.Join(t.TempDir(), "o.wav")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Format != declared {
		t.Errorf("format = %+v, want %+v", res.Format, declared)
	}
}

func TestRegenSetOutside(t *testing.T) {
	tests := []struct {
		set  RegenSet
		want []int
	}{
		{nil, nil},
		{NewRegenSet([]int{0, 3}), nil},
		{NewRegenSet([]int{5, 1, -2, 4}), []int{-2, 4, 5}},
	}
	for _, tt := range tests {
		if got := tt.set.Outside(4); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%v.Outside(4) = %v, want %v", tt.set.Indices(), got, tt.want)
		}
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	type bare struct{ engine.Backend }
	if _, err := New(bare{}, newStore(t), DefaultConfig(), nil); !errors.Is(err, ErrUnsupportedBackend) {
		t.Errorf("New error = %v", err)
	}
}

func TestInvalidateRemovesPlannedChunks(t *testing.T) {
	store := newStore(t)
	f := audio.DefaultFormat()
	for _, i := range []int{0, 1} {
		if err := store.Put(i, audio.EncodeWAV(f, audio.Silence(f, 10))); err != nil {
			t.Fatal(err)
		}
	}
	segs := script("ア", "イ", "ウ")
	steps := Plan(segs, store, NewRegenSet([]int{1}), nil, "mock")
	n, err := Invalidate(store, steps)
	if err != nil || n != 1 {
		t.Fatalf("Invalidate = %d, %v", n, err)
	}
	if !store.Exists(0) || store.Exists(1) {
		t.Errorf("exists 0=%v 1=%v, want true/false", store.Exists(0), store.Exists(1))
	}
}
