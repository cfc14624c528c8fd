package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/yomi/internal/timeline"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

func TestDefaultConfigValidates(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if strings.HasPrefix(cfg.Dictionaries.Global, "~") {
		t.Errorf("global dictionary path not expanded: %q", cfg.Dictionaries.Global)
	}
	if got := cfg.AudioPath(); got != filepath.Join("out", "episode.wav") {
		t.Errorf("AudioPath = %q", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"engine", func(c *Config) { c.Engine.Type = "espeak" }},
		{"command binary", func(c *Config) { c.Engine.Type = ttypes.EngineCommand; c.Engine.Command.Binary = "" }},
		{"negative pause", func(c *Config) { c.Pauses.Marker = -1 }},
		{"batch size", func(c *Config) { c.Audit.BatchSize = 0 }},
		{"adjudicator", func(c *Config) { c.Adjudicator.Kind = "oracle" }},
		{"adjudicator file", func(c *Config) { c.Adjudicator.Kind = AdjudicatorFile }},
		{"workers", func(c *Config) { c.Synth.Workers = 0 }},
		{"subtitle format", func(c *Config) { c.Subtitle.Format = "ass" }},
		{"subtitle mode", func(c *Config) { c.Subtitle.Mode = "karaoke" }},
		{"audio name", func(c *Config) { c.Output.Audio = "sub/episode.wav" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), FileName)
	data := `
engine:
  voicevox:
    speaker: 8
    timeout: 5s
pauses:
  marker: 2.0
subtitle:
  format: vtt
audit:
  max_calls: 5
  skip_correction: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("YOMI_SYNTH_WORKERS", "6")

	v, err := NewViper()
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.VoiceVox.Speaker != 8 || cfg.Engine.VoiceVox.Timeout != 5*time.Second {
		t.Errorf("voicevox = %+v", cfg.Engine.VoiceVox)
	}
	if cfg.Engine.VoiceVox.URL != "http://127.0.0.1:50021" {
		t.Errorf("unset key lost its default: %q", cfg.Engine.VoiceVox.URL)
	}
	if cfg.Pauses.Marker != 2.0 || cfg.Pauses.Paragraph != 0.8 {
		t.Errorf("pauses = %+v", cfg.Pauses)
	}
	if cfg.Subtitle.Format != timeline.FormatVTT {
		t.Errorf("subtitle = %+v", cfg.Subtitle)
	}
	if cfg.Synth.Workers != 6 {
		t.Errorf("workers = %d, want env override 6", cfg.Synth.Workers)
	}
	if cfg.Audit.MaxCalls != 5 || !cfg.Audit.SkipCorrection || cfg.Audit.MaxSurfaces != 40 {
		t.Errorf("audit = max_calls %d, skip %v, max_surfaces %d", cfg.Audit.MaxCalls, cfg.Audit.SkipCorrection, cfg.Audit.MaxSurfaces)
	}
	if len(cfg.Audit.Normalization.Replacements) == 0 {
		t.Error("normalization rules lost")
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	v, err := NewViper()
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Type != ttypes.EngineVoiceVox || cfg.Audit.MaxSurfaces != 40 {
		t.Errorf("defaults not loaded: %+v", cfg)
	}
	if _, err := Load(v, filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("Load of missing file error = nil")
	}
}

func TestSaveLoad(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), FileName)
	cfg := DefaultConfig()
	cfg.Engine.Type = ttypes.EngineMock
	cfg.Dictionaries.Channel = "/dict/channel.yml"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	v, err := NewViper()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Load(v, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Engine.Type != ttypes.EngineMock || got.Dictionaries.Channel != "/dict/channel.yml" {
		t.Errorf("Load after Save = %+v", got)
	}
}
