package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes an MP3 stream. The decoder always yields 16-bit
// little-endian stereo at the stream's sample rate.
func DecodeMP3(data []byte) (Clip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Clip{}, fmt.Errorf("failed to open mp3 stream: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return Clip{}, fmt.Errorf("failed to decode mp3 stream: %w", err)
	}
	clip := Clip{
		Format: Format{SampleRate: dec.SampleRate(), Channels: 2, BitsPerSample: 16},
		Data:   pcm,
	}
	return clip, clip.Validate()
}

// Decode detects the container and decodes WAV or MP3.
func Decode(data []byte) (Clip, error) {
	if IsWAV(data) {
		return DecodeWAV(data)
	}
	return DecodeMP3(data)
}
