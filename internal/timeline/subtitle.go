package timeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/dgnsrekt/yomi/internal/fsutil"
	"github.com/mattn/go-runewidth"
)

// ErrUnknownFormat is returned for an unsupported subtitle format.
var ErrUnknownFormat = errors.New("unknown subtitle format")

// Mode selects which window a subtitle shows.
type Mode string

const (
	// ModeDisplay shows each cue for its whole slot, pauses included
	ModeDisplay Mode = "display"

	// ModeSpeech shows each cue only while it is spoken
	ModeSpeech Mode = "speech"
)

// Subtitle formats
const (
	FormatSRT = "srt"
	FormatVTT = "vtt"
)

// Options controls subtitle rendering.
type Options struct {
	Format   string `yaml:"format" mapstructure:"format"`
	Mode     Mode   `yaml:"mode" mapstructure:"mode"`
	MaxWidth int    `yaml:"max_width" mapstructure:"max_width"`

	// SkipHeadings leaves heading cues out of the file
	SkipHeadings bool `yaml:"skip_headings" mapstructure:"skip_headings"`
}

// DefaultOptions returns SRT in display mode wrapped at 42 cells.
func DefaultOptions() Options {
	return Options{Format: FormatSRT, Mode: ModeDisplay, MaxWidth: 42}
}

// Write renders cues in opts.Format.
func Write(w io.Writer, cues []Cue, opts Options) error {
	switch strings.ToLower(opts.Format) {
	case FormatSRT, "":
		return WriteSRT(w, cues, opts)
	case FormatVTT:
		return WriteVTT(w, cues, opts)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}
}

// WriteFile renders cues to path atomically.
func WriteFile(path string, cues []Cue, opts Options) error {
	var b strings.Builder
	if err := Write(&b, cues, opts); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, []byte(b.String()), 0o644)
}

// PathFor returns the subtitle path next to an audio file.
func PathFor(audioPath string, opts Options) string {
	ext := strings.ToLower(opts.Format)
	if ext == "" {
		ext = FormatSRT
	}
	return strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + "." + ext
}

// WriteSRT renders SubRip.
func WriteSRT(w io.Writer, cues []Cue, opts Options) error {
	bw := bufio.NewWriter(w)
	n := 0
	for _, c := range cues {
		if opts.SkipHeadings && c.IsHeading {
			continue
		}
		n++
		start, end := window(c, opts.Mode)
		fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n", n, stamp(start, ','), stamp(end, ','), Wrap(c.Text, opts.MaxWidth))
	}
	return bw.Flush()
}

// WriteVTT renders WebVTT.
func WriteVTT(w io.Writer, cues []Cue, opts Options) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("WEBVTT\n\n")
	for _, c := range cues {
		if opts.SkipHeadings && c.IsHeading {
			continue
		}
		start, end := window(c, opts.Mode)
		fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n", c.Index+1, stamp(start, '.'), stamp(end, '.'), Wrap(c.Text, opts.MaxWidth))
	}
	return bw.Flush()
}

func window(c Cue, mode Mode) (float64, float64) {
	if mode == ModeSpeech {
		return c.SpeechStart, c.SpeechEnd
	}
	return c.Start, c.End
}

// stamp formats seconds as HH:MM:SS,mmm (or with '.' for WebVTT).
func stamp(sec float64, sep byte) string {
	ms := int64(math.Round(sec * 1000))
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}

// Wrap breaks text into lines of at most width display cells. It prefers to
// break after a space or a Japanese comma or full stop; otherwise it breaks
// between any two characters. A width of zero or less disables wrapping.
func Wrap(text string, width int) string {
	text = strings.TrimSpace(text)
	if width <= 0 || runewidth.StringWidth(text) <= width {
		return text
	}

	var lines []string
	var line []rune
	lineWidth := 0
	lastBreak := -1 // index in line after which we may break

	for _, r := range text {
		rw := runewidth.RuneWidth(r)
		if lineWidth+rw > width && len(line) > 0 && unicode.IsSpace(r) {
			lines = append(lines, strings.TrimSpace(string(line)))
			line, lineWidth, lastBreak = line[:0], 0, -1
			continue
		}
		for lineWidth+rw > width && len(line) > 0 {
			cut := len(line)
			if lastBreak >= 0 {
				cut = lastBreak + 1
			}
			lines = append(lines, strings.TrimSpace(string(line[:cut])))
			line = append([]rune(nil), line[cut:]...)
			lineWidth = runewidth.StringWidth(string(line))
			lastBreak = -1
			for i, lr := range line {
				if isBreak(lr) {
					lastBreak = i
				}
			}
		}
		line = append(line, r)
		lineWidth += rw
		if isBreak(r) {
			lastBreak = len(line) - 1
		}
	}
	if rest := strings.TrimSpace(string(line)); rest != "" {
		lines = append(lines, rest)
	}
	return strings.Join(lines, "\n")
}

func isBreak(r rune) bool {
	return unicode.IsSpace(r) || r == '、' || r == '。' || r == '，' || r == '！' || r == '？'
}

// Save writes the subtitle file for cues next to audioPath and returns its path.
func Save(audioPath string, cues []Cue, opts Options) (string, error) {
	path := PathFor(audioPath, opts)
	return path, WriteFile(path, cues, opts)
}
