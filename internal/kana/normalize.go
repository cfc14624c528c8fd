package kana

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCyclicRule is returned when a replacement output contains a replacement key.
var ErrCyclicRule = errors.New("normalization rule output contains a rule key")

// Rules is the configuration data behind the trivial-difference normalizer.
// The defaults cover the common vowel-length and merged-kana cases; they are
// a heuristic list and can be replaced from configuration.
type Rules struct {
	// Replacements unify orthographic variants that sound the same
	Replacements map[string]string `yaml:"replacements" mapstructure:"replacements"`

	// Strip lists engine markers removed before comparison
	Strip string `yaml:"strip" mapstructure:"strip"`

	// ExpandLongVowel rewrites ー as the vowel of the preceding mora
	ExpandLongVowel bool `yaml:"expand_long_vowel" mapstructure:"expand_long_vowel"`

	// MergeDiphthongs treats オウ as オオ and エイ as エエ
	MergeDiphthongs bool `yaml:"merge_diphthongs" mapstructure:"merge_diphthongs"`

	// CollapseVowels drops a vowel kana repeating the preceding vowel
	CollapseVowels bool `yaml:"collapse_vowels" mapstructure:"collapse_vowels"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		Replacements: map[string]string{
			"ヂ": "ジ",
			"ヅ": "ズ",
			"ヲ": "オ",
			"ヱ": "エ",
			"ヰ": "イ",
			"ヮ": "ワ",
		},
		Strip:           "'/_、。，．,.？?！!・「」『』（）() 　",
		ExpandLongVowel: true,
		MergeDiphthongs: true,
		CollapseVowels:  true,
	}
}

// Normalizer folds cosmetic-only differences between two readings.
type Normalizer struct {
	rules    Rules
	replacer *strings.Replacer
	strip    map[rune]bool
}

// NewNormalizer validates rules and builds a normalizer.
func NewNormalizer(rules Rules) (*Normalizer, error) {
	keys := make([]string, 0, len(rules.Replacements))
	for k := range rules.Replacements {
		if k == "" {
			return nil, errors.New("normalization rule with empty key")
		}
		keys = append(keys, k)
	}
	// Longer keys first so overlapping rules resolve the same way every run.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		v := rules.Replacements[k]
		for _, other := range keys {
			if strings.Contains(v, other) {
				return nil, fmt.Errorf("%w: %q -> %q contains %q", ErrCyclicRule, k, v, other)
			}
		}
		pairs = append(pairs, k, v)
	}

	n := &Normalizer{
		rules:    rules,
		replacer: strings.NewReplacer(pairs...),
		strip:    make(map[rune]bool),
	}
	for _, r := range rules.Strip {
		n.strip[r] = true
	}
	return n, nil
}

// MustNormalizer is NewNormalizer for rule sets known to be valid.
func MustNormalizer(rules Rules) *Normalizer {
	n, err := NewNormalizer(rules)
	if err != nil {
		panic(err)
	}
	return n
}

// Normalize returns the comparison form of a reading. It is idempotent.
func (n *Normalizer) Normalize(s string) string {
	s = NormalizeReading(s)
	s = strings.Map(func(r rune) rune {
		if n.strip[r] {
			return -1
		}
		return r
	}, s)
	s = n.replacer.Replace(s)

	out := make([]rune, 0, len(s))
	var prev rune // vowel of the last emitted rune
	for _, r := range s {
		if r == ProlongedSound && n.rules.ExpandLongVowel {
			if prev == 0 {
				continue
			}
			r = vowelKana[prev]
		}
		if n.rules.MergeDiphthongs {
			if r == 'ウ' && prev == 'o' {
				r = 'オ'
			} else if r == 'イ' && prev == 'e' {
				r = 'エ'
			}
		}
		if n.rules.CollapseVowels && isVowelKana(r) && VowelOf(r) == prev {
			continue
		}
		out = append(out, r)
		prev = VowelOf(r)
	}
	return string(out)
}

// Equal reports whether a and b differ only cosmetically.
func (n *Normalizer) Equal(a, b string) bool {
	return n.Normalize(a) == n.Normalize(b)
}
