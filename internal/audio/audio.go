// Package audio handles the PCM formats moving between engines, the chunk
// cache and the final track: WAV encode/decode, silence and duration math.
package audio

import (
	"errors"
	"fmt"
	"math"
)

// Common audio errors
var (
	// ErrFormatMismatch is returned when two clips do not share a format.
	// It is never resolved by resampling.
	ErrFormatMismatch = errors.New("audio format mismatch")

	// ErrNotWAV is returned when data does not carry a RIFF/WAVE header
	ErrNotWAV = errors.New("not a WAV stream")

	// ErrUnsupportedFormat is returned for non-PCM or malformed formats
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Format describes interleaved little-endian integer PCM.
type Format struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultFormat is 22050Hz, mono, 16-bit.
func DefaultFormat() Format {
	return Format{SampleRate: 22050, Channels: 1, BitsPerSample: 16}
}

// Validate checks the format describes usable PCM.
func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	case f.Channels <= 0:
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	case f.BitsPerSample != 8 && f.BitsPerSample != 16 && f.BitsPerSample != 24 && f.BitsPerSample != 32:
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, f.BitsPerSample)
	}
	return nil
}

// BlockAlign returns the bytes per frame (one sample for every channel).
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// ByteRate returns the bytes per second.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// String returns a short human form, like "24000Hz/1ch/16bit".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Frames converts seconds to a whole number of frames, rounding to nearest.
func (f Format) Frames(sec float64) int {
	if sec <= 0 {
		return 0
	}
	return int(math.Round(sec * float64(f.SampleRate)))
}

// Duration returns the length in seconds of n bytes of PCM.
func (f Format) Duration(n int) float64 {
	if f.SampleRate == 0 || f.BlockAlign() == 0 {
		return 0
	}
	return float64(n/f.BlockAlign()) / float64(f.SampleRate)
}

// Check returns ErrFormatMismatch unless f equals want.
func (f Format) Check(want Format) error {
	if f != want {
		return fmt.Errorf("%w: got %s, want %s", ErrFormatMismatch, f, want)
	}
	return nil
}

// Silence returns frames of digital silence. 8-bit PCM is unsigned, so its
// zero level is 0x80.
func Silence(f Format, frames int) []byte {
	if frames <= 0 {
		return nil
	}
	buf := make([]byte, frames*f.BlockAlign())
	if f.BitsPerSample == 8 {
		for i := range buf {
			buf[i] = 0x80
		}
	}
	return buf
}

// Clip is decoded PCM with its format.
type Clip struct {
	Format Format
	Data   []byte
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	return c.Format.Duration(len(c.Data))
}

// Frames returns the number of whole frames in the clip.
func (c Clip) Frames() int {
	if c.Format.BlockAlign() == 0 {
		return 0
	}
	return len(c.Data) / c.Format.BlockAlign()
}

// Validate checks the format and frame alignment.
func (c Clip) Validate() error {
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if len(c.Data)%c.Format.BlockAlign() != 0 {
		return fmt.Errorf("%w: PCM data length %d is not aligned to %d-byte frames",
			ErrUnsupportedFormat, len(c.Data), c.Format.BlockAlign())
	}
	return nil
}
