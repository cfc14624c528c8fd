package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/audio"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

func quietLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
}

const audioQueryJSON = `{
  "accent_phrases": [
    {"moras": [
      {"text": "コ", "consonant": "k", "consonant_length": 0.05, "vowel": "o", "vowel_length": 0.1, "pitch": 5.6},
      {"text": "ン", "consonant": null, "consonant_length": null, "vowel": "N", "vowel_length": 0.08, "pitch": 5.7}
    ], "accent": 1, "pause_mora": null, "is_interrogative": false}
  ],
  "speedScale": 1.0,
  "outputSamplingRate": 24000,
  "kana": "コ'ン"
}`

func newVoiceVoxServer(t *testing.T, synthBody *[]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/audio_query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Query().Get("speaker") != "7" || r.URL.Query().Get("text") == "" {
			http.Error(w, "bad request", http.StatusUnprocessableEntity)
			return
		}
		w.Write([]byte(audioQueryJSON))
	})
	mux.HandleFunc("/synthesis", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*synthBody = body
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(audio.EncodeWAV(audio.Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}, make([]byte, 480)))
	})
	mux.HandleFunc("/mora_data", func(w http.ResponseWriter, r *http.Request) {
		var phrases []ttypes.AccentPhrase
		json.NewDecoder(r.Body).Decode(&phrases)
		for i := range phrases {
			for j := range phrases[i].Moras {
				phrases[i].Moras[j].Pitch = 6
			}
		}
		json.NewEncoder(w).Encode(phrases)
	})
	mux.HandleFunc("/user_dict", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"a1": {"surface": "ＡＩ", "pronunciation": "エーアイ", "accent_type": 3}}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"0.14.10"`))
	})
	return httptest.NewServer(mux)
}

func newTestVoiceVox(t *testing.T, url string) *VoiceVox {
	t.Helper()
	v, err := NewVoiceVox(VoiceVoxConfig{URL: url + "/", Speaker: 7, Timeout: 5 * time.Second}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestVoiceVoxQuerySynthesize(t *testing.T) {
	var synthBody []byte
	srv := newVoiceVoxServer(t, &synthBody)
	defer srv.Close()
	v := newTestVoiceVox(t, srv.URL)
	ctx := context.Background()

	p, err := v.Query(ctx, "今")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if got := p.Reading(); got != "コン" {
		t.Errorf("Reading() = %q, want コン", got)
	}
	if p.Params["outputSamplingRate"] != float64(24000) {
		t.Errorf("params not preserved: %v", p.Params)
	}

	wav, err := v.Synthesize(ctx, p)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !audio.IsWAV(wav) {
		t.Error("Synthesize() did not return WAV")
	}

	var sent map[string]any
	if err := json.Unmarshal(synthBody, &sent); err != nil {
		t.Fatal(err)
	}
	if _, ok := sent["accent_phrases"]; !ok {
		t.Error("synthesis body lacks accent_phrases")
	}
	if sent["kana"] != "コ'ン" {
		t.Errorf("synthesis body lost params: %v", sent)
	}
	if v.Name() != "voicevox:7" {
		t.Errorf("Name() = %q", v.Name())
	}
}

func TestVoiceVoxExtras(t *testing.T) {
	var synthBody []byte
	srv := newVoiceVoxServer(t, &synthBody)
	defer srv.Close()
	v := newTestVoiceVox(t, srv.URL)
	ctx := context.Background()

	words, err := v.UserDictionary(ctx)
	if err != nil {
		t.Fatalf("UserDictionary() error = %v", err)
	}
	if words["ＡＩ"] != "エーアイ" {
		t.Errorf("UserDictionary() = %v", words)
	}

	version, err := v.Version(ctx)
	if err != nil || version != "0.14.10" {
		t.Errorf("Version() = %q, %v", version, err)
	}

	p, _ := v.Query(ctx, "今")
	refreshed, err := v.RefreshMoras(ctx, p)
	if err != nil {
		t.Fatalf("RefreshMoras() error = %v", err)
	}
	if refreshed.Phrases[0].Moras[0].Pitch != 6 {
		t.Errorf("RefreshMoras() did not apply server values")
	}
}

func TestVoiceVoxQueryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "speaker not found", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	v := newTestVoiceVox(t, srv.URL)

	_, err := v.Query(context.Background(), "x")
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Type != ErrorTypeQuery {
		t.Fatalf("Query() error = %v, want QUERY EngineError", err)
	}
	if _, err := v.Query(context.Background(), "  "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Query(blank) error = %v", err)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandPCMFromStdout(t *testing.T) {
	requireShell(t)
	c, err := NewCommand(CommandConfig{
		Binary:     "sh",
		Args:       []string{"-c", "cat >/dev/null; head -c 4410 /dev/zero"},
		Format:     OutputPCM,
		SampleRate: 22050,
		Channels:   1,
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	wav, err := c.SynthesizeText(context.Background(), "こんにちは")
	if err != nil {
		t.Fatalf("SynthesizeText() error = %v", err)
	}
	clip, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	if d := clip.Duration(); d < 0.099 || d > 0.101 {
		t.Errorf("duration = %v, want 0.1", d)
	}
}

func TestCommandOutputFileAndTextArg(t *testing.T) {
	requireShell(t)
	c, err := NewCommand(CommandConfig{
		Binary: "sh",
		// The text arrives as $1, the output path as $2.
		Args:       []string{"-c", `test "$1" = "hello" && head -c 200 /dev/zero > "$2"`, "sh", ArgText, ArgOutput},
		Format:     OutputPCM,
		SampleRate: 1000,
		Channels:   1,
	})
	if err != nil {
		t.Fatal(err)
	}
	wav, err := c.SynthesizeText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SynthesizeText() error = %v", err)
	}
	clip, _ := audio.DecodeWAV(wav)
	if clip.Frames() != 100 {
		t.Errorf("frames = %d, want 100", clip.Frames())
	}
}

func TestCommandFailure(t *testing.T) {
	requireShell(t)
	c, err := NewCommand(CommandConfig{
		Binary: "sh",
		Args:   []string{"-c", "echo model missing >&2; exit 3"},
		Format: OutputWAV,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.SynthesizeText(context.Background(), "x")
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Type != ErrorTypeSynthesis {
		t.Fatalf("error = %v, want SYNTHESIS EngineError", err)
	}
	if !strings.Contains(err.Error(), "model missing") {
		t.Errorf("stderr not reported: %v", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	requireShell(t)
	c, err := NewCommand(CommandConfig{
		Binary:  "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.SynthesizeText(context.Background(), "x")
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Type != ErrorTypeTimeout {
		t.Fatalf("error = %v, want TIMEOUT", err)
	}
}

func TestNewCommandValidation(t *testing.T) {
	if _, err := NewCommand(CommandConfig{}); err == nil {
		t.Error("NewCommand(empty) error = nil")
	}
	if _, err := NewCommand(CommandConfig{Binary: "x", Format: "ogg"}); err == nil {
		t.Error("NewCommand(ogg) error = nil")
	}
	if _, err := NewCommand(CommandConfig{Binary: "x", Format: OutputPCM}); err == nil {
		t.Error("NewCommand(pcm without rate) error = nil")
	}
	a, _ := NewCommand(CommandConfig{Binary: "/usr/bin/piper", Args: []string{"-m", "a.onnx"}})
	b, _ := NewCommand(CommandConfig{Binary: "piper", Args: []string{"-m", "b.onnx"}})
	if a.Name() == b.Name() {
		t.Errorf("different voices share a name: %s", a.Name())
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}, nil); !errors.Is(err, ErrNoEngine) {
		t.Errorf("New(none) error = %v", err)
	}
	if _, err := New(Config{Type: "festival"}, nil); !errors.Is(err, ErrUnknownEngine) {
		t.Errorf("New(unknown) error = %v", err)
	}
	b, err := New(Config{Type: ttypes.EngineMock}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(QueryBackend); !ok {
		t.Errorf("mock backend is %T, want QueryBackend", b)
	}
}

func TestMockDeterministic(t *testing.T) {
	m := NewMockQuery()
	ctx := context.Background()
	p1, _ := m.Query(ctx, "猫ネコです")
	p2, _ := m.Query(ctx, "猫ネコです")
	a, _ := m.Synthesize(ctx, p1)
	b, _ := m.Synthesize(ctx, p2)
	if string(a) != string(b) {
		t.Error("mock audio differs for the same reading")
	}
	if m.Queries() != 2 || m.Syntheses() != 2 {
		t.Errorf("calls = %d/%d", m.Queries(), m.Syntheses())
	}
	// Kana are kept and folded to katakana.
	if got := p1.Reading(); got != "ネコデス" {
		t.Errorf("Reading() = %q", got)
	}
}
