package dict

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgnsrekt/yomi/internal/fsutil"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Learned is the global learned dictionary file. Adjudicated corrections are
// recorded into it after a successful run so later runs resolve them up front.
type Learned struct {
	path string
	mu   sync.Mutex
}

// NewLearned creates a store backed by a YAML surface → reading map.
func NewLearned(path string) *Learned {
	return &Learned{path: path}
}

// Path returns the backing file path.
func (l *Learned) Path() string {
	return l.path
}

// Record merges entries into the learned file and returns how many surfaces
// were added or changed. Invalid entries are skipped.
func (l *Learned) Record(entries []Entry) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	path, err := homedir.Expand(l.path)
	if err != nil {
		return 0, err
	}

	current := make(map[string]string)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return 0, err
	default:
		existing, err := ParseYAML(data)
		if err != nil {
			return 0, err
		}
		for _, e := range existing {
			current[e.Surface] = e.Reading
		}
	}

	changed := 0
	for _, raw := range entries {
		e, err := Validate(raw)
		if err != nil {
			continue
		}
		if current[e.Surface] == e.Reading {
			continue
		}
		current[e.Surface] = e.Reading
		changed++
	}
	if changed == 0 {
		return 0, nil
	}

	out, err := yaml.Marshal(current)
	if err != nil {
		return 0, fmt.Errorf("failed to encode learned dictionary: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, out, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write learned dictionary: %w", err)
	}
	return changed, nil
}
