// Package dict merges the pronunciation dictionary tiers into one frozen
// surface → reading map and resolves token streams against it.
package dict

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/kana"
)

// Entry validation errors
var (
	// ErrEmptySurface is returned for entries without a surface
	ErrEmptySurface = errors.New("empty surface")

	// ErrUnsafeReading is returned when a reading is not pure katakana
	ErrUnsafeReading = errors.New("reading is not phonetic-script only")

	// ErrNoopEntry is returned when the reading just restates the surface
	ErrNoopEntry = errors.New("reading equals surface")
)

// Tier is a dictionary precedence level. Later tiers overwrite earlier ones.
type Tier int

const (
	// TierGlobal is the global learned dictionary (lowest precedence)
	TierGlobal Tier = iota

	// TierVendor is the dictionary shipped with the engine
	TierVendor

	// TierEngineUser is the engine-local user dictionary
	TierEngineUser

	// TierChannel is the per-channel dictionary
	TierChannel

	// TierEpisode is the per-episode local dictionary (highest map precedence)
	TierEpisode

	numTiers
)

// String returns the string representation of the tier
func (t Tier) String() string {
	switch t {
	case TierGlobal:
		return "global"
	case TierVendor:
		return "vendor"
	case TierEngineUser:
		return "engine_user"
	case TierChannel:
		return "channel"
	case TierEpisode:
		return "episode"
	default:
		return "unknown"
	}
}

// Tiers returns every tier in ascending precedence.
func Tiers() []Tier {
	out := make([]Tier, 0, numTiers)
	for t := TierGlobal; t < numTiers; t++ {
		out = append(out, t)
	}
	return out
}

// Entry maps a surface string to a reading.
type Entry struct {
	Surface string `yaml:"surface" json:"surface"`
	Reading string `yaml:"reading" json:"reading"`
}

// Validate normalizes e and checks it is usable.
func Validate(e Entry) (Entry, error) {
	surface := kana.NormalizeSurface(e.Surface)
	reading := kana.NormalizeReading(e.Reading)
	if surface == "" {
		return Entry{}, ErrEmptySurface
	}
	if !kana.IsSafeReading(reading) {
		return Entry{}, fmt.Errorf("%w: %q → %q", ErrUnsafeReading, e.Surface, e.Reading)
	}
	if kana.NormalizeReading(surface) == reading {
		return Entry{}, fmt.Errorf("%w: %q", ErrNoopEntry, e.Surface)
	}
	return Entry{Surface: surface, Reading: reading}, nil
}

// TierStats counts what happened to one tier's entries.
type TierStats struct {
	Loaded      int
	Rejected    int
	Overwritten int
}

// Builder collects tiers before the single freeze step.
type Builder struct {
	logger *log.Logger
	tiers  [numTiers][]Entry
}

// NewBuilder creates a Builder. A nil logger uses log.Default().
func NewBuilder(logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{logger: logger}
}

// Add appends entries to a tier. Within a tier, later entries win.
func (b *Builder) Add(tier Tier, entries ...Entry) {
	if tier < 0 || tier >= numTiers {
		return
	}
	b.tiers[tier] = append(b.tiers[tier], entries...)
}

// AddMap adds a surface → reading map to a tier in sorted key order.
func (b *Builder) AddMap(tier Tier, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.Add(tier, Entry{Surface: k, Reading: m[k]})
	}
}

// Build validates every entry and merges the tiers in ascending precedence.
// The returned Dictionary is immutable.
func (b *Builder) Build() *Dictionary {
	d := &Dictionary{
		entries: make(map[string]string),
		origin:  make(map[string]Tier),
	}
	for tier := TierGlobal; tier < numTiers; tier++ {
		stats := &d.stats[tier]
		for _, raw := range b.tiers[tier] {
			e, err := Validate(raw)
			if err != nil {
				stats.Rejected++
				b.logger.Warn("Dropping dictionary entry", "tier", tier, "surface", raw.Surface, "reading", raw.Reading, "err", err)
				continue
			}
			if prev, ok := d.origin[e.Surface]; ok && prev != tier {
				d.stats[prev].Overwritten++
			}
			d.entries[e.Surface] = e.Reading
			d.origin[e.Surface] = tier
			stats.Loaded++
			if n := utf8.RuneCountInString(e.Surface); n > d.maxKeyRunes {
				d.maxKeyRunes = n
			}
		}
	}
	for _, tier := range Tiers() {
		s := d.stats[tier]
		if s.Loaded+s.Rejected > 0 {
			b.logger.Debug("Dictionary tier merged", "tier", tier, "loaded", s.Loaded, "rejected", s.Rejected, "overwritten", s.Overwritten)
		}
	}
	return d
}

// Dictionary is the frozen merged surface → reading map.
type Dictionary struct {
	entries     map[string]string
	origin      map[string]Tier
	stats       [numTiers]TierStats
	maxKeyRunes int
}

// Lookup returns the effective reading for a normalized surface.
func (d *Dictionary) Lookup(surface string) (string, bool) {
	if d == nil {
		return "", false
	}
	r, ok := d.entries[surface]
	return r, ok
}

// Origin returns the tier that supplied the effective entry for surface.
func (d *Dictionary) Origin(surface string) (Tier, bool) {
	if d == nil {
		return 0, false
	}
	t, ok := d.origin[surface]
	return t, ok
}

// Len returns the number of effective entries.
func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Stats returns the per-tier counters.
func (d *Dictionary) Stats(t Tier) TierStats {
	if d == nil || t < 0 || t >= numTiers {
		return TierStats{}
	}
	return d.stats[t]
}

// Entries returns the effective entries sorted by surface.
func (d *Dictionary) Entries() []Entry {
	if d == nil {
		return nil
	}
	out := make([]Entry, 0, len(d.entries))
	for s, r := range d.entries {
		out = append(out, Entry{Surface: s, Reading: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Surface < out[j].Surface })
	return out
}
