package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	wavHeaderSize = 44
	wavFormatPCM  = 1
	// WAVE_FORMAT_EXTENSIBLE, accepted when the sub-format is PCM
	wavFormatExtensible = 0xFFFE
)

// EncodeWAV wraps raw PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(f Format, pcm []byte) []byte {
	buf := &bytes.Buffer{}
	buf.Grow(wavHeaderSize + len(pcm))
	writeHeader(buf, f, len(pcm))
	buf.Write(pcm)
	return buf.Bytes()
}

func writeHeader(w io.Writer, f Format, dataLen int) {
	var h [wavHeaderSize]byte
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")

	// fmt subchunk
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BitsPerSample))

	// data subchunk
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	_, _ = w.Write(h[:])
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV parses a PCM WAV stream. Unknown chunks are skipped. A data
// chunk whose declared size overruns the stream (as streaming writers emit)
// is clamped to what is present.
func DecodeWAV(data []byte) (Clip, error) {
	if !IsWAV(data) {
		return Clip{}, ErrNotWAV
	}

	var (
		clip    Clip
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+size > len(data) {
				return Clip{}, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
			}
			tag := binary.LittleEndian.Uint16(data[body : body+2])
			if tag == wavFormatExtensible && size >= 40 {
				tag = binary.LittleEndian.Uint16(data[body+24 : body+26])
			}
			if tag != wavFormatPCM {
				return Clip{}, fmt.Errorf("%w: format tag %#x", ErrUnsupportedFormat, tag)
			}
			clip.Format = Format{
				Channels:      int(binary.LittleEndian.Uint16(data[body+2 : body+4])),
				SampleRate:    int(binary.LittleEndian.Uint32(data[body+4 : body+8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(data[body+14 : body+16])),
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return Clip{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrUnsupportedFormat)
			}
			end := body + size
			if size < 0 || end > len(data) {
				end = len(data)
			}
			pcm := data[body:end]
			if align := clip.Format.BlockAlign(); align > 0 {
				pcm = pcm[:len(pcm)-len(pcm)%align]
			}
			clip.Data = append([]byte(nil), pcm...)
			return clip, clip.Format.Validate()
		}

		// Chunks are word aligned.
		next := body + size + size%2
		if next <= pos {
			break
		}
		pos = next
	}
	return Clip{}, fmt.Errorf("%w: no data chunk", ErrUnsupportedFormat)
}

// Writer streams PCM into a WAV file and fixes up the header sizes on Close.
type Writer struct {
	w       io.WriteSeeker
	format  Format
	written int
	closed  bool
}

// NewWriter writes a provisional header to w.
func NewWriter(w io.WriteSeeker, f Format) (*Writer, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeHeader(&buf, f, 0)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, err
	}
	return &Writer{w: w, format: f}, nil
}

// Format returns the stream format.
func (w *Writer) Format() Format {
	return w.format
}

// Write appends raw PCM.
func (w *Writer) Write(pcm []byte) (int, error) {
	n, err := w.w.Write(pcm)
	w.written += n
	return n, err
}

// WriteSilence appends frames of silence.
func (w *Writer) WriteSilence(frames int) error {
	_, err := w.Write(Silence(w.format, frames))
	return err
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int {
	return w.written / w.format.BlockAlign()
}

// Close rewrites the RIFF and data sizes. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var buf bytes.Buffer
	writeHeader(&buf, w.format, w.written)
	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return err
	}
	_, err := w.w.Seek(0, io.SeekEnd)
	return err
}
