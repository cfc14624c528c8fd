package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeDecodeWAV(t *testing.T) {
	f := Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
	pcm := make([]byte, 4800) // 2400 frames, 0.1s
	for i := range pcm {
		pcm[i] = byte(i)
	}

	wav := EncodeWAV(f, pcm)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("EncodeWAV length = %d", len(wav))
	}
	clip, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if clip.Format != f {
		t.Errorf("format = %v, want %v", clip.Format, f)
	}
	if !bytes.Equal(clip.Data, pcm) {
		t.Error("PCM data changed")
	}
	if d := clip.Duration(); math.Abs(d-0.1) > 1e-9 {
		t.Errorf("Duration() = %v, want 0.1", d)
	}
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	f := DefaultFormat()
	pcm := []byte{1, 0, 2, 0, 3, 0}
	wav := EncodeWAV(f, pcm)

	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte("LIST\x03\x00\x00\x00abc\x00")
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	clip, err := DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if !bytes.Equal(clip.Data, pcm) {
		t.Errorf("data = %v, want %v", clip.Data, pcm)
	}
}

func TestDecodeWAVClampsStreamingSize(t *testing.T) {
	f := DefaultFormat()
	wav := EncodeWAV(f, []byte{1, 0, 2, 0, 3})
	binary.LittleEndian.PutUint32(wav[40:44], 0xFFFFFFFF)

	clip, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if len(clip.Data) != 4 {
		t.Errorf("data length = %d, want 4 (frame aligned)", len(clip.Data))
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	if _, err := DecodeWAV([]byte("not audio")); !errors.Is(err, ErrNotWAV) {
		t.Errorf("error = %v, want ErrNotWAV", err)
	}

	wav := EncodeWAV(DefaultFormat(), []byte{0, 0})
	binary.LittleEndian.PutUint16(wav[20:22], 3) // IEEE float
	if _, err := DecodeWAV(wav); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestSilence(t *testing.T) {
	f16 := Format{SampleRate: 8000, Channels: 2, BitsPerSample: 16}
	if got := Silence(f16, 10); len(got) != 40 || got[0] != 0 {
		t.Errorf("Silence(16bit) len = %d", len(got))
	}
	f8 := Format{SampleRate: 8000, Channels: 1, BitsPerSample: 8}
	if got := Silence(f8, 3); !bytes.Equal(got, []byte{0x80, 0x80, 0x80}) {
		t.Errorf("Silence(8bit) = %v", got)
	}
	if got := Silence(f16, 0); got != nil {
		t.Errorf("Silence(0) = %v", got)
	}
}

func TestFrames(t *testing.T) {
	f := Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
	tests := map[float64]int{0: 0, -1: 0, 0.3: 7200, 1.00002: 24000, 0.00003: 1}
	for sec, want := range tests {
		if got := f.Frames(sec); got != want {
			t.Errorf("Frames(%v) = %d, want %d", sec, got, want)
		}
	}
}

func TestFormatCheck(t *testing.T) {
	a := Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
	b := Format{SampleRate: 22050, Channels: 1, BitsPerSample: 16}
	if err := a.Check(a); err != nil {
		t.Errorf("Check(same) = %v", err)
	}
	if err := a.Check(b); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("Check(other) = %v, want ErrFormatMismatch", err)
	}
}

func TestWriter(t *testing.T) {
	f := Format{SampleRate: 1000, Channels: 1, BitsPerSample: 16}
	path := filepath.Join(t.TempDir(), "out.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWriter(file, f)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSilence(100); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte{1, 0, 2, 0}); err != nil {
		t.Fatal(err)
	}
	if w.Frames() != 102 {
		t.Errorf("Frames() = %d, want 102", w.Frames())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	clip, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if clip.Frames() != 102 || clip.Format != f {
		t.Errorf("decoded %d frames %v", clip.Frames(), clip.Format)
	}
}

func TestDecodeRejectsGarbageMP3(t *testing.T) {
	if _, err := Decode([]byte{0, 1, 2, 3}); err == nil {
		t.Error("Decode(garbage) = nil error")
	}
}
