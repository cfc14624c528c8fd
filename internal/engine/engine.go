// Package engine defines the two synthesis capabilities and their backends.
//
// A QueryBackend exposes a phrase-level phonetic query and synthesizes from
// the (possibly patched) phrase structure. A ProcessBackend only turns text
// into audio. Exactly one backend is selected per run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/audio"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

// Common engine errors
var (
	// ErrNoEngine indicates no engine was configured
	ErrNoEngine = errors.New("no synthesis engine configured")

	// ErrUnknownEngine indicates an unknown engine type
	ErrUnknownEngine = errors.New("unknown synthesis engine")

	// ErrEmptyText indicates there is nothing to synthesize
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrNoAudio indicates the engine returned no audio
	ErrNoAudio = errors.New("engine produced no audio")

	// ErrInvalidPatch indicates a patch does not fit the phrasing
	ErrInvalidPatch = errors.New("invalid patch")
)

// Backend is the common part of every engine.
type Backend interface {
	// Name identifies the engine and voice. Cached chunks are only reused
	// when the name matches the run that produced them.
	Name() string
}

// QueryBackend is capability A: query, patch, then synthesize.
type QueryBackend interface {
	Backend
	Query(ctx context.Context, text string) (*ttypes.Phrasing, error)
	Synthesize(ctx context.Context, p *ttypes.Phrasing) ([]byte, error)
}

// MoraRefresher is implemented by query backends that can recompute mora
// lengths and pitch after a patch.
type MoraRefresher interface {
	RefreshMoras(ctx context.Context, p *ttypes.Phrasing) (*ttypes.Phrasing, error)
}

// UserDictionaryProvider is implemented by engines with a local user dictionary.
type UserDictionaryProvider interface {
	UserDictionary(ctx context.Context) (map[string]string, error)
}

// ProcessBackend is capability B: text in, audio out.
type ProcessBackend interface {
	Backend
	SynthesizeText(ctx context.Context, text string) ([]byte, error)
}

// FormatReporter is implemented by engines that know their output format
// before producing audio. The synthesizer uses it to size silence
// placeholders for fragments that failed outright.
type FormatReporter interface {
	OutputFormat() audio.Format
}

// ErrorType classifies engine failures
type ErrorType string

const (
	ErrorTypeConfig     ErrorType = "CONFIG"
	ErrorTypeConnection ErrorType = "CONNECTION"
	ErrorTypeQuery      ErrorType = "QUERY"
	ErrorTypeSynthesis  ErrorType = "SYNTHESIS"
	ErrorTypeTimeout    ErrorType = "TIMEOUT"
	ErrorTypeOutput     ErrorType = "OUTPUT"
)

// EngineError is an engine failure with context
type EngineError struct {
	Type    ErrorType
	Engine  string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Engine, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s", e.Engine, e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

func newError(engine string, t ErrorType, msg string, cause error) *EngineError {
	return &EngineError{Type: t, Engine: engine, Message: msg, Cause: cause}
}

// Config selects and configures the engine.
type Config struct {
	Type     ttypes.EngineType `yaml:"type" mapstructure:"type"`
	VoiceVox VoiceVoxConfig    `yaml:"voicevox" mapstructure:"voicevox"`
	Command  CommandConfig     `yaml:"command" mapstructure:"command"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Type:     ttypes.EngineVoiceVox,
		VoiceVox: DefaultVoiceVoxConfig(),
		Command:  DefaultCommandConfig(),
	}
}

// New builds the configured backend.
func New(cfg Config, logger *log.Logger) (Backend, error) {
	if logger == nil {
		logger = log.Default()
	}
	switch cfg.Type {
	case ttypes.EngineNone:
		return nil, ErrNoEngine
	case ttypes.EngineVoiceVox:
		return NewVoiceVox(cfg.VoiceVox, logger)
	case ttypes.EngineCommand:
		return NewCommand(cfg.Command)
	case ttypes.EngineMock:
		return NewMockQuery(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Type)
	}
}

func timeoutOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
