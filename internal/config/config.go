// Package config holds the yomi configuration file layout, its defaults and
// the viper-based loader that overlays file, YOMI_* environment variables and
// bound command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dgnsrekt/yomi/internal/audit"
	"github.com/dgnsrekt/yomi/internal/engine"
	"github.com/dgnsrekt/yomi/internal/fsutil"
	"github.com/dgnsrekt/yomi/internal/segment"
	"github.com/dgnsrekt/yomi/internal/synth"
	"github.com/dgnsrekt/yomi/internal/timeline"
	"github.com/dgnsrekt/yomi/internal/ttypes"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. YOMI_ENGINE_TYPE.
const EnvPrefix = "YOMI"

// FileName is the configuration file looked up in the config directories.
const FileName = "yomi.yml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Adjudicator kinds
const (
	AdjudicatorNone   = "none"
	AdjudicatorOpenAI = "openai"
	AdjudicatorFile   = "file"
)

// Config is the whole configuration.
type Config struct {
	Output       OutputConfig      `yaml:"output" mapstructure:"output"`
	Engine       engine.Config     `yaml:"engine" mapstructure:"engine"`
	Pauses       segment.Pauses    `yaml:"pauses" mapstructure:"pauses"`
	Dictionaries DictionaryConfig  `yaml:"dictionaries" mapstructure:"dictionaries"`
	Audit        AuditConfig       `yaml:"audit" mapstructure:"audit"`
	Adjudicator  AdjudicatorConfig `yaml:"adjudicator" mapstructure:"adjudicator"`
	Synth        synth.Config      `yaml:"synth" mapstructure:"synth"`
	Subtitle     timeline.Options  `yaml:"subtitle" mapstructure:"subtitle"`
	Log          LogConfig         `yaml:"log" mapstructure:"log"`
}

// AuditConfig is the audit bounds plus the run-level correction switch.
type AuditConfig struct {
	audit.Config `yaml:",inline" mapstructure:",squash"`

	// SkipCorrection accepts unresolved mismatches as escalation_skipped
	SkipCorrection bool `yaml:"skip_correction" mapstructure:"skip_correction"`
}

// OutputConfig places the run's artifacts.
type OutputConfig struct {
	// Dir receives the audio, subtitle, run log and chunks/
	Dir string `yaml:"dir" mapstructure:"dir"`

	// Audio is the final track's file name inside Dir
	Audio string `yaml:"audio" mapstructure:"audio"`

	// Compression is the zstd level for cached chunks; 0 stores plain WAV
	Compression int `yaml:"compression" mapstructure:"compression"`
}

// DictionaryConfig lists the dictionary tiers, lowest precedence first.
type DictionaryConfig struct {
	Global  string `yaml:"global" mapstructure:"global"`
	Vendor  string `yaml:"vendor" mapstructure:"vendor"`
	Channel string `yaml:"channel" mapstructure:"channel"`
	Episode string `yaml:"episode" mapstructure:"episode"`

	// EngineUser pulls the engine's own user dictionary when it has one
	EngineUser bool `yaml:"engine_user" mapstructure:"engine_user"`

	// Overrides is a position-keyed override file
	Overrides string `yaml:"overrides" mapstructure:"overrides"`

	// Learn records adjudicated patches into Learned after a successful run
	Learn   bool   `yaml:"learn" mapstructure:"learn"`
	Learned string `yaml:"learned" mapstructure:"learned"`
}

// AdjudicatorConfig selects the external adjudicator.
type AdjudicatorConfig struct {
	Kind   string             `yaml:"kind" mapstructure:"kind"`
	OpenAI audit.OpenAIConfig `yaml:"openai" mapstructure:"openai"`

	// File is a surface → decision YAML table, used with kind "file"
	File string `yaml:"file" mapstructure:"file"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`

	// File additionally receives every log line; empty uses the cache dir
	File string `yaml:"file" mapstructure:"file"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Output: OutputConfig{
			Dir:   "out",
			Audio: "episode.wav",
		},
		Engine: engine.DefaultConfig(),
		Pauses: segment.DefaultPauses(),
		Dictionaries: DictionaryConfig{
			Global:     "~/.config/yomi/dict/global.yml",
			EngineUser: true,
			Learned:    "~/.config/yomi/dict/learned.yml",
		},
		Audit: AuditConfig{Config: audit.DefaultConfig()},
		Adjudicator: AdjudicatorConfig{
			Kind:   AdjudicatorOpenAI,
			OpenAI: audit.DefaultOpenAIConfig(),
		},
		Synth:    synth.DefaultConfig(),
		Subtitle: timeline.DefaultOptions(),
		Log:      LogConfig{Level: "info"},
	}
}

// Validate checks value ranges and expands ~ in paths.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Engine.Type {
	case ttypes.EngineVoiceVox, ttypes.EngineCommand, ttypes.EngineMock:
	default:
		bad("engine.type %q: must be one of voicevox, command, mock", c.Engine.Type)
	}
	if c.Engine.Type == ttypes.EngineCommand && c.Engine.Command.Binary == "" {
		bad("engine.command.binary is required for the command engine")
	}

	p := c.Pauses
	for name, v := range map[string]float64{
		"sentence": p.Sentence, "paragraph": p.Paragraph, "marker": p.Marker,
		"heading1": p.Heading1, "heading2": p.Heading2, "heading3": p.Heading3,
	} {
		if v < 0 {
			bad("pauses.%s must not be negative, got %v", name, v)
		}
	}

	if c.Audit.MaxSurfaces < 0 || c.Audit.MaxCalls < 0 {
		bad("audit.max_surfaces and audit.max_calls must not be negative")
	}
	if c.Audit.BatchSize < 1 {
		bad("audit.batch_size must be at least 1, got %d", c.Audit.BatchSize)
	}

	switch c.Adjudicator.Kind {
	case AdjudicatorNone, AdjudicatorOpenAI:
	case AdjudicatorFile:
		if c.Adjudicator.File == "" {
			bad("adjudicator.file is required for kind %q", AdjudicatorFile)
		}
	default:
		bad("adjudicator.kind %q: must be one of none, openai, file", c.Adjudicator.Kind)
	}

	if c.Synth.Workers < 1 || c.Synth.Workers > 32 {
		bad("synth.workers must be between 1 and 32, got %d", c.Synth.Workers)
	}
	if c.Synth.Attempts < 1 || c.Synth.Attempts > 10 {
		bad("synth.attempts must be between 1 and 10, got %d", c.Synth.Attempts)
	}
	if c.Synth.PlaceholderSec < 0 {
		bad("synth.placeholder_sec must not be negative")
	}

	switch strings.ToLower(c.Subtitle.Format) {
	case timeline.FormatSRT, timeline.FormatVTT:
	default:
		bad("subtitle.format %q: must be srt or vtt", c.Subtitle.Format)
	}
	switch c.Subtitle.Mode {
	case timeline.ModeDisplay, timeline.ModeSpeech:
	default:
		bad("subtitle.mode %q: must be display or speech", c.Subtitle.Mode)
	}

	if c.Output.Compression < 0 || c.Output.Compression > 22 {
		bad("output.compression must be between 0 and 22, got %d", c.Output.Compression)
	}
	if c.Output.Audio == "" || filepath.Base(c.Output.Audio) != c.Output.Audio {
		bad("output.audio must be a plain file name, got %q", c.Output.Audio)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return c.expandPaths()
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Output.Dir,
		&c.Dictionaries.Global, &c.Dictionaries.Vendor, &c.Dictionaries.Channel,
		&c.Dictionaries.Episode, &c.Dictionaries.Overrides, &c.Dictionaries.Learned,
		&c.Adjudicator.File, &c.Log.File,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// AudioPath returns the final track path.
func (c *Config) AudioPath() string {
	return filepath.Join(c.Output.Dir, c.Output.Audio)
}

// ChunkDir returns the chunk cache directory.
func (c *Config) ChunkDir() string {
	return filepath.Join(c.Output.Dir, "chunks")
}

// NewViper returns a viper instance preloaded with the defaults and wired for
// YOMI_* environment overrides.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	return v, nil
}

// Load merges the file at path (if any) over the defaults in v and decodes
// the result. An empty path leaves only defaults, env and flags.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return Config{}, err
		}
		v.SetConfigFile(expanded)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", expanded, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}
