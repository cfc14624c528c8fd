package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgnsrekt/yomi/internal/audio"
)

// Placeholders recognised in command arguments.
const (
	// ArgText is replaced by the text; stdin is then left empty
	ArgText = "{text}"

	// ArgOutput is replaced by a temp file path that the command writes audio to
	ArgOutput = "{output}"
)

// Output formats a command may produce.
const (
	OutputWAV = "wav"
	OutputPCM = "pcm"
	OutputMP3 = "mp3"
)

// CommandConfig holds configuration for a process-invocation engine.
type CommandConfig struct {
	// Binary is the program to run (required)
	Binary string `yaml:"binary" mapstructure:"binary"`

	// Args are passed as-is after placeholder substitution
	Args []string `yaml:"args" mapstructure:"args"`

	// Format of the produced audio: wav, pcm or mp3
	Format string `yaml:"format" mapstructure:"format"`

	// SampleRate and Channels describe raw pcm output (16-bit)
	SampleRate int `yaml:"sample_rate" mapstructure:"sample_rate"`
	Channels   int `yaml:"channels" mapstructure:"channels"`

	// Timeout per invocation
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// MaxTextSize rejects longer inputs before invoking the binary
	MaxTextSize int `yaml:"max_text_size" mapstructure:"max_text_size"`
}

// DefaultCommandConfig returns piper-style defaults.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		Binary:      "piper",
		Args:        []string{"--output-raw"},
		Format:      OutputPCM,
		SampleRate:  22050,
		Channels:    1,
		Timeout:     30 * time.Second,
		MaxTextSize: 5000,
	}
}

// Command runs an external TTS binary once per synthesis. It uses a fresh
// process per call with stdin set up before start.
type Command struct {
	cfg  CommandConfig
	name string
}

// NewCommand creates a process-invocation backend.
func NewCommand(cfg CommandConfig) (*Command, error) {
	if cfg.Binary == "" {
		return nil, newError("command", ErrorTypeConfig, "binary is required", nil)
	}
	switch cfg.Format {
	case "":
		cfg.Format = OutputWAV
	case OutputWAV, OutputPCM, OutputMP3:
	default:
		return nil, newError("command", ErrorTypeConfig, fmt.Sprintf("unknown output format %q", cfg.Format), nil)
	}
	if cfg.Format == OutputPCM {
		f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitsPerSample: 16}
		if err := f.Validate(); err != nil {
			return nil, newError("command", ErrorTypeConfig, "pcm output needs sample_rate and channels", err)
		}
	}
	cfg.Timeout = timeoutOr(cfg.Timeout, 30*time.Second)

	sum := sha256.Sum256([]byte(strings.Join(cfg.Args, "\x00")))
	name := "command:" + filepath.Base(cfg.Binary) + ":" + hex.EncodeToString(sum[:4])
	return &Command{cfg: cfg, name: name}, nil
}

// Name implements Backend.
func (c *Command) Name() string {
	return c.name
}

// Validate checks the binary can be found.
func (c *Command) Validate() error {
	if _, err := exec.LookPath(c.cfg.Binary); err != nil {
		return newError(c.name, ErrorTypeConfig, c.cfg.Binary+" not found in PATH", err)
	}
	return nil
}

// SynthesizeText implements ProcessBackend. The result is always WAV.
func (c *Command) SynthesizeText(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if c.cfg.MaxTextSize > 0 && len(text) > c.cfg.MaxTextSize {
		return nil, newError(c.name, ErrorTypeSynthesis,
			fmt.Sprintf("text too long: %d bytes (max %d)", len(text), c.cfg.MaxTextSize), nil)
	}

	args, stdin, outPath, cleanup, err := c.prepare(text)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	stdout, err := c.run(ctx, stdin, args)
	if err != nil {
		return nil, err
	}

	data := stdout
	if outPath != "" {
		data, err = os.ReadFile(outPath)
		if err != nil {
			return nil, newError(c.name, ErrorTypeOutput, "failed to read output file", err)
		}
	}
	if len(data) == 0 {
		return nil, newError(c.name, ErrorTypeOutput, "no audio output", ErrNoAudio)
	}
	return c.toWAV(data)
}

// prepare substitutes placeholders. Text goes on stdin unless {text} is used.
func (c *Command) prepare(text string) (args []string, stdin string, outPath string, cleanup func(), err error) {
	cleanup = func() {}
	stdin = text
	for _, a := range c.cfg.Args {
		if strings.Contains(a, ArgText) {
			stdin = ""
		}
		if strings.Contains(a, ArgOutput) && outPath == "" {
			f, ferr := os.CreateTemp("", "yomi-*."+c.cfg.Format)
			if ferr != nil {
				return nil, "", "", cleanup, newError(c.name, ErrorTypeOutput, "failed to create temp output", ferr)
			}
			outPath = f.Name()
			f.Close()
			cleanup = func() { os.Remove(outPath) }
		}
	}
	args = make([]string, len(c.cfg.Args))
	for i, a := range c.cfg.Args {
		a = strings.ReplaceAll(a, ArgText, text)
		a = strings.ReplaceAll(a, ArgOutput, outPath)
		args[i] = a
	}
	return args, stdin, outPath, cleanup, nil
}

// run executes the binary with stdin pre-configured and a per-call timeout.
func (c *Command) run(ctx context.Context, stdin string, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)

	// Stdin must be set before the process starts.
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 100 * time.Millisecond

	if err := cmd.Start(); err != nil {
		return nil, newError(c.name, ErrorTypeConfig, "failed to start process", err)
	}
	err := cmd.Wait()

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(c.name, ErrorTypeTimeout, fmt.Sprintf("timed out after %v", c.cfg.Timeout), ctx.Err())
		}
		return nil, ctx.Err()
	}
	if err != nil {
		msg := "process failed"
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg += ", stderr: " + s
		}
		return nil, newError(c.name, ErrorTypeSynthesis, msg, err)
	}
	return stdout.Bytes(), nil
}

func (c *Command) toWAV(data []byte) ([]byte, error) {
	var (
		clip audio.Clip
		err  error
	)
	switch c.cfg.Format {
	case OutputPCM:
		clip = audio.Clip{
			Format: audio.Format{SampleRate: c.cfg.SampleRate, Channels: c.cfg.Channels, BitsPerSample: 16},
			Data:   data,
		}
		err = clip.Validate()
	case OutputMP3:
		clip, err = audio.DecodeMP3(data)
	default:
		clip, err = audio.DecodeWAV(data)
	}
	if err != nil {
		return nil, newError(c.name, ErrorTypeOutput, "unreadable "+c.cfg.Format+" output", err)
	}
	return audio.EncodeWAV(clip.Format, clip.Data), nil
}

// OutputFormat implements FormatReporter. Encoded outputs are assumed to
// match the configured rate and channels.
func (c *Command) OutputFormat() audio.Format {
	return audio.Format{SampleRate: c.cfg.SampleRate, Channels: c.cfg.Channels, BitsPerSample: 16}
}

var (
	_ ProcessBackend = (*Command)(nil)
	_ FormatReporter = (*Command)(nil)
)
