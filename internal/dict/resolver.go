package dict

import (
	"strings"
	"unicode/utf8"

	"github.com/dgnsrekt/yomi/internal/ttypes"
	"golang.org/x/text/unicode/norm"
)

// Source says where a resolved piece came from.
type Source string

const (
	// SourceOverride is a position-indexed override
	SourceOverride Source = "override"

	// SourceDictionary is a merged dictionary entry
	SourceDictionary Source = "dictionary"

	// SourceSurface is a pass-through token
	SourceSurface Source = "surface"
)

// Piece is one output unit of a resolution pass covering tokens [From, To).
type Piece struct {
	Text   string
	Source Source
	From   int
	To     int
	Tier   Tier
}

// Resolver substitutes dictionary readings into token streams.
type Resolver struct {
	dict *Dictionary
}

// NewResolver creates a resolver over a frozen dictionary.
func NewResolver(d *Dictionary) *Resolver {
	return &Resolver{dict: d}
}

// Dictionary returns the dictionary the resolver reads from.
func (r *Resolver) Dictionary() *Dictionary {
	return r.dict
}

// Resolve returns the resolved text for one segment's tokens.
func (r *Resolver) Resolve(segmentIndex int, tokens []ttypes.Token, overrides Overrides) string {
	var b strings.Builder
	for _, p := range r.Pieces(segmentIndex, tokens, overrides) {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Pieces walks tokens left to right. At each position an exact position
// override wins; otherwise the longest run of contiguous tokens whose joined
// surface is a dictionary key is replaced; otherwise the token passes through.
func (r *Resolver) Pieces(segmentIndex int, tokens []ttypes.Token, overrides Overrides) []Piece {
	var out []Piece
	maxRunes := r.dict.maxKeyRunesOrZero()

	for i := 0; i < len(tokens); {
		if reading, ok := overrides.Lookup(segmentIndex, i); ok {
			out = append(out, Piece{Text: reading, Source: SourceOverride, From: i, To: i + 1})
			i++
			continue
		}

		best := -1
		var bestReading string
		var joined strings.Builder
		for j := i; j < len(tokens) && maxRunes > 0; j++ {
			// An override position is never swallowed by a longer match.
			if j > i && overrides.Has(segmentIndex, j) {
				break
			}
			joined.WriteString(tokens[j].Surface)
			key := norm.NFKC.String(joined.String())
			if utf8.RuneCountInString(key) > maxRunes {
				break
			}
			if reading, ok := r.dict.Lookup(key); ok {
				best, bestReading = j, reading
			}
		}

		if best >= 0 {
			tier, _ := r.dict.Origin(norm.NFKC.String(joinSurfaces(tokens[i : best+1])))
			out = append(out, Piece{Text: bestReading, Source: SourceDictionary, From: i, To: best + 1, Tier: tier})
			i = best + 1
			continue
		}

		out = append(out, Piece{Text: tokens[i].Surface, Source: SourceSurface, From: i, To: i + 1})
		i++
	}
	return out
}

func (d *Dictionary) maxKeyRunesOrZero() int {
	if d == nil {
		return 0
	}
	return d.maxKeyRunes
}

func joinSurfaces(tokens []ttypes.Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Surface)
	}
	return b.String()
}
