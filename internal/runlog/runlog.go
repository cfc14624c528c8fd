// Package runlog reads and writes the per-run segment log that makes resume
// and partial regeneration safe. The log is a serialization of the final
// segment snapshot; a pending copy is written before synthesis starts.
package runlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/dgnsrekt/yomi/internal/fsutil"
	"github.com/dgnsrekt/yomi/internal/ttypes"
	"github.com/google/uuid"
)

// FileName is the log file name inside the output directory.
const FileName = "run.json"

// Version is bumped on incompatible log layout changes.
const Version = 1

// ErrVersion is returned for a log written by an incompatible version.
var ErrVersion = errors.New("unsupported run log version")

// Status of a log on disk.
type Status string

const (
	// StatusPending is written before synthesis; durations may be missing
	StatusPending Status = "pending"

	// StatusComplete is written after a successful run
	StatusComplete Status = "complete"
)

// Segment is one segment snapshot.
type Segment struct {
	Index         int            `json:"index"`
	Text          string         `json:"text"`
	ResolvedText  string         `json:"resolved_reading"`
	PrePauseSec   float64        `json:"pre_pause"`
	PostPauseSec  float64        `json:"post_pause"`
	IsHeading     bool           `json:"is_heading"`
	HeadingLevel  int            `json:"heading_level,omitempty"`
	DurationSec   float64        `json:"duration_sec"`
	Verdict       ttypes.Verdict `json:"verdict"`
	MorphReading  string         `json:"morph_reading"`
	EngineReading string         `json:"engine_reading"`
	Placeholders  int            `json:"placeholders,omitempty"`
}

// Log is the run log.
type Log struct {
	Version      int       `json:"version"`
	RunID        string    `json:"run_id"`
	Engine       string    `json:"engine"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ScriptSHA256 string    `json:"script_sha256"`
	TotalSec     float64   `json:"total_sec,omitempty"`
	Segments     []Segment `json:"segments"`
}

// New starts a pending log for a run.
func New(engine string, script []byte, segments []ttypes.Segment) *Log {
	sum := sha256.Sum256(script)
	l := &Log{
		Version:      Version,
		RunID:        uuid.NewString(),
		Engine:       engine,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
		ScriptSHA256: hex.EncodeToString(sum[:]),
	}
	l.SetSegments(segments)
	return l
}

// SetSegments replaces the snapshot.
func (l *Log) SetSegments(segments []ttypes.Segment) {
	l.Segments = make([]Segment, len(segments))
	for i, s := range segments {
		l.Segments[i] = Segment{
			Index:         s.Index,
			Text:          s.Text,
			ResolvedText:  s.ResolvedText,
			PrePauseSec:   s.PrePauseSec,
			PostPauseSec:  s.PostPauseSec,
			IsHeading:     s.IsHeading,
			HeadingLevel:  s.HeadingLevel,
			DurationSec:   s.DurationSec,
			Verdict:       s.Verdict,
			MorphReading:  s.MorphReading,
			EngineReading: s.EngineReading,
			Placeholders:  s.Placeholders,
		}
	}
}

// Complete marks the log final.
func (l *Log) Complete(segments []ttypes.Segment, totalSec float64) {
	l.SetSegments(segments)
	l.TotalSec = totalSec
	l.Status = StatusComplete
}

// Texts returns index → text for every logged segment.
func (l *Log) Texts() map[int]string {
	out := make(map[int]string, len(l.Segments))
	for _, s := range l.Segments {
		out[s.Index] = s.Text
	}
	return out
}

// Lookup returns the logged segment at index.
func (l *Log) Lookup(index int) (Segment, bool) {
	for _, s := range l.Segments {
		if s.Index == index {
			return s, true
		}
	}
	return Segment{}, false
}

// Read loads a log. A missing file returns an error matching fs.ErrNotExist.
func Read(path string) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Log
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse run log %s: %w", path, err)
	}
	if l.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, l.Version)
	}
	return &l, nil
}

// ReadOptional is Read that treats a missing file as no log.
func ReadOptional(path string) (*Log, error) {
	l, err := Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return l, err
}

// Write stores the log atomically.
func Write(path string, l *Log) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// Restore copies decided state from prior into segments whose index AND text
// match. Only indices in only are considered; a nil only means all. It
// returns a new snapshot and the restored indices.
func Restore(prior *Log, segments []ttypes.Segment, only map[int]bool) ([]ttypes.Segment, []int) {
	out := ttypes.CloneSegments(segments)
	if prior == nil {
		return out, nil
	}
	var restored []int
	for i := range out {
		seg := &out[i]
		if only != nil && !only[seg.Index] {
			continue
		}
		p, ok := prior.Lookup(seg.Index)
		if !ok || p.Text != seg.Text {
			continue
		}
		seg.ResolvedText = p.ResolvedText
		seg.Verdict = p.Verdict
		seg.MorphReading = p.MorphReading
		seg.EngineReading = p.EngineReading
		seg.DurationSec = p.DurationSec
		seg.Placeholders = p.Placeholders
		restored = append(restored, seg.Index)
	}
	return out, restored
}
