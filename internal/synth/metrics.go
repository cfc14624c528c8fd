package synth

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// Summary holds the counters of one run.
type Summary struct {
	Calls        int           `json:"calls"`
	Failures     int           `json:"failures"`
	Resplits     int           `json:"resplits"`
	Placeholders int           `json:"placeholders"`
	Synthesized  int           `json:"synthesized"`
	Reused       int           `json:"reused"`
	AudioBytes   int64         `json:"audio_bytes"`
	Busy         time.Duration `json:"busy"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Metrics tracks one run's engine calls. It is safe for concurrent use.
type Metrics struct {
	logger *log.Logger
	start  time.Time

	mu  sync.Mutex
	sum Summary
}

// NewMetrics returns metrics reporting to logger.
func NewMetrics(logger *log.Logger) *Metrics {
	if logger == nil {
		logger = log.Default()
	}
	return &Metrics{logger: logger, start: time.Now()}
}

// Call is one engine invocation in flight.
type Call struct {
	m       *Metrics
	index   int
	started time.Time
}

// StartCall starts timing an engine call for a segment.
func (m *Metrics) StartCall(index int, text string) *Call {
	m.logger.Debug("Synthesis started", "segment", index, "runes", len([]rune(text)))
	return &Call{m: m, index: index, started: time.Now()}
}

// End records the call result.
func (c *Call) End(audioBytes int, err error) {
	d := time.Since(c.started)
	c.m.add(func(s *Summary) {
		s.Calls++
		s.Busy += d
		if err != nil {
			s.Failures++
		} else {
			s.AudioBytes += int64(audioBytes)
		}
	})

	if err != nil {
		c.m.logger.Warn("Synthesis failed", "segment", c.index, "duration", d, "err", err)
		return
	}
	c.m.logger.Debug("Synthesis completed",
		"segment", c.index,
		"bytes", humanize.IBytes(uint64(audioBytes)),
		"duration", d)
}

func (m *Metrics) add(fn func(*Summary)) {
	m.mu.Lock()
	fn(&m.sum)
	m.mu.Unlock()
}

// Summary returns a copy of the counters.
func (m *Metrics) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sum
	s.Elapsed = time.Since(m.start)
	return s
}

// Log writes the run summary.
func (m *Metrics) Log() {
	s := m.Summary()
	m.logger.Info("Synthesis finished",
		"synthesized", s.Synthesized,
		"reused", s.Reused,
		"calls", s.Calls,
		"failures", s.Failures,
		"resplits", s.Resplits,
		"placeholders", s.Placeholders,
		"audio", humanize.IBytes(uint64(s.AudioBytes)),
		"elapsed", s.Elapsed.Round(time.Millisecond))
}
