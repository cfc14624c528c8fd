package engine

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/dgnsrekt/yomi/internal/audio"
	"github.com/dgnsrekt/yomi/internal/kana"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

// MockQuery is an in-process query backend for tests and dry runs. Its audio
// is deterministic: the same reading always yields the same bytes, and the
// length is proportional to the mora count.
type MockQuery struct {
	// ID is returned by Name; defaults to "mock"
	ID string

	// Readings overrides the engine reading for a given text
	Readings map[string]string

	// Format and FramesPerMora shape the produced audio
	Format        audio.Format
	FramesPerMora int

	// QueryErr and SynthErr fail the call for a given text or reading
	QueryErr map[string]error
	SynthErr map[string]error

	mu          sync.Mutex
	queries     int
	syntheses   int
	synthesized []string
}

// NewMockQuery returns a mock with 24kHz mono 16-bit output.
func NewMockQuery() *MockQuery {
	return &MockQuery{
		Format:        audio.Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16},
		FramesPerMora: 2400,
	}
}

// Name implements Backend.
func (m *MockQuery) Name() string {
	if m.ID == "" {
		return "mock"
	}
	return m.ID
}

// Query implements QueryBackend. Without an entry in Readings the reading is
// the katakana part of the text.
func (m *MockQuery) Query(ctx context.Context, text string) (*ttypes.Phrasing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.queries++
	m.mu.Unlock()

	if err := m.QueryErr[text]; err != nil {
		return nil, newError(m.Name(), ErrorTypeQuery, "mock query failed", err)
	}
	reading, ok := m.Readings[text]
	if !ok {
		reading = katakanaOnly(text)
	}
	return MockPhrasing(reading), nil
}

// Synthesize implements QueryBackend.
func (m *MockQuery) Synthesize(ctx context.Context, p *ttypes.Phrasing) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reading := p.Reading()
	m.mu.Lock()
	m.syntheses++
	m.synthesized = append(m.synthesized, reading)
	m.mu.Unlock()

	if err := m.SynthErr[reading]; err != nil {
		return nil, newError(m.Name(), ErrorTypeSynthesis, "mock synthesis failed", err)
	}
	frames := max(1, len(p.Moras())) * m.FramesPerMora
	return ToneWAV(m.Format, frames, reading), nil
}

// Queries returns the number of Query calls.
func (m *MockQuery) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// Syntheses returns the number of Synthesize calls.
func (m *MockQuery) Syntheses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syntheses
}

// Synthesized returns the readings synthesized so far.
func (m *MockQuery) Synthesized() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.synthesized...)
}

// MockProcess is an in-process process backend for tests and dry runs.
type MockProcess struct {
	ID            string
	Format        audio.Format
	FramesPerRune int

	// Fail makes the call fail for matching texts
	Fail func(text string) bool

	mu    sync.Mutex
	texts []string
}

// NewMockProcess returns a mock with 22050Hz mono 16-bit output.
func NewMockProcess() *MockProcess {
	return &MockProcess{
		Format:        audio.DefaultFormat(),
		FramesPerRune: 1000,
	}
}

// Name implements Backend.
func (m *MockProcess) Name() string {
	if m.ID == "" {
		return "mock-process"
	}
	return m.ID
}

// SynthesizeText implements ProcessBackend.
func (m *MockProcess) SynthesizeText(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if m.Fail != nil && m.Fail(text) {
		return nil, newError(m.Name(), ErrorTypeSynthesis, "mock process failed", nil)
	}
	frames := len([]rune(text)) * m.FramesPerRune
	return ToneWAV(m.Format, frames, text), nil
}

// OutputFormat implements FormatReporter.
func (m *MockProcess) OutputFormat() audio.Format {
	return m.Format
}

// Texts returns every text passed to SynthesizeText, in call order.
func (m *MockProcess) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// MockPhrasing builds a phrasing for a katakana reading with up to four
// moras per accent phrase.
func MockPhrasing(reading string) *ttypes.Phrasing {
	p := &ttypes.Phrasing{Params: map[string]any{"speedScale": 1.0}}
	var ph ttypes.AccentPhrase
	prev := ""
	for _, text := range kana.SplitMora(reading) {
		c, v := kana.MoraPhonemes(text, prev)
		m := ttypes.Mora{Text: text, Vowel: v, VowelLength: 0.1, Pitch: 5.5}
		if c != "" {
			cl := 0.05
			m.Consonant, m.ConsonantLength = &c, &cl
		}
		ph.Moras = append(ph.Moras, m)
		prev = v
		if len(ph.Moras) == 4 {
			ph.Accent = 1
			p.Phrases = append(p.Phrases, ph)
			ph = ttypes.AccentPhrase{}
		}
	}
	if len(ph.Moras) > 0 {
		ph.Accent = 1
		p.Phrases = append(p.Phrases, ph)
	}
	return p
}

// ToneWAV returns a deterministic 16-bit WAV whose samples derive from seed.
func ToneWAV(f audio.Format, frames int, seed string) []byte {
	h := fnv.New32a()
	h.Write([]byte(seed))
	base := int16(h.Sum32()%2000) + 100

	bps := f.BitsPerSample / 8
	pcm := make([]byte, frames*f.BlockAlign())
	for i := 0; i < frames*f.Channels; i++ {
		v := base
		if i%2 == 1 {
			v = -base
		}
		switch bps {
		case 2:
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
		case 1:
			pcm[i] = byte(int(v>>8) + 0x80)
		}
	}
	return audio.EncodeWAV(f, pcm)
}

func katakanaOnly(text string) string {
	return strings.Map(func(r rune) rune {
		if kana.IsKatakana(r) {
			return r
		}
		return -1
	}, kana.NormalizeReading(text))
}

var (
	_ QueryBackend   = (*MockQuery)(nil)
	_ ProcessBackend = (*MockProcess)(nil)
	_ FormatReporter = (*MockProcess)(nil)
)
