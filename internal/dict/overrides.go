package dict

import (
	"fmt"
	"os"

	"github.com/dgnsrekt/yomi/internal/kana"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Position addresses one token of one segment.
type Position struct {
	Segment int
	Token   int
}

// Overrides are per-invocation, token-position readings. They bypass the
// merged dictionary entirely.
type Overrides map[Position]string

// Lookup returns the override reading at (segment, token).
func (o Overrides) Lookup(segment, token int) (string, bool) {
	r, ok := o[Position{Segment: segment, Token: token}]
	return r, ok
}

// Has reports whether an override exists at (segment, token).
func (o Overrides) Has(segment, token int) bool {
	_, ok := o[Position{Segment: segment, Token: token}]
	return ok
}

// overrideEntry is the on-disk form of one override.
type overrideEntry struct {
	Segment int    `yaml:"segment"`
	Token   int    `yaml:"token"`
	Reading string `yaml:"reading"`
}

// LoadOverrides reads a YAML list of {segment, token, reading}. Entries with
// an unsafe reading or a negative position are dropped and counted.
func LoadOverrides(path string) (Overrides, int, error) {
	if path == "" {
		return nil, 0, nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, 0, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, 0, err
	}
	return ParseOverrides(data)
}

// ParseOverrides parses the YAML override list.
func ParseOverrides(data []byte) (Overrides, int, error) {
	var list []overrideEntry
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, 0, fmt.Errorf("%w: overrides: %v", ErrMalformed, err)
	}

	out := make(Overrides, len(list))
	rejected := 0
	for _, e := range list {
		reading := kana.NormalizeReading(e.Reading)
		if e.Segment < 0 || e.Token < 0 || !kana.IsSafeReading(reading) {
			rejected++
			continue
		}
		out[Position{Segment: e.Segment, Token: e.Token}] = reading
	}
	return out, rejected, nil
}
