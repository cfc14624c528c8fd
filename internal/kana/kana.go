// Package kana holds the script-level helpers shared by the resolver and the
// auditor: katakana conversion, width folding, reading validation and the
// trivial-difference normalizer.
package kana

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	hiraganaFirst = 0x3041
	hiraganaLast  = 0x3096
	katakanaFirst = 0x30A1
	katakanaLast  = 0x30FA
	kanaOffset    = katakanaFirst - hiraganaFirst

	// ProlongedSound is the katakana long vowel mark.
	ProlongedSound = 'ー'
)

// ToKatakana converts hiragana runes to katakana, leaving everything else.
func ToKatakana(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= hiraganaFirst && r <= hiraganaLast {
			return r + kanaOffset
		}
		return r
	}, s)
}

// ToHiragana converts katakana runes to hiragana where a hiragana form exists.
func ToHiragana(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= katakanaFirst && r <= katakanaFirst+(hiraganaLast-hiraganaFirst) {
			return r - kanaOffset
		}
		return r
	}, s)
}

// NormalizeSurface folds width and compatibility forms so that dictionary keys
// written with full-width ASCII or half-width katakana match tokenizer output.
func NormalizeSurface(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

// NormalizeReading folds width, converts to katakana and drops whitespace.
func NormalizeReading(s string) string {
	s = ToKatakana(norm.NFKC.String(s))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// IsKatakana reports whether r is a katakana letter or the long vowel mark.
func IsKatakana(r rune) bool {
	return (r >= katakanaFirst && r <= katakanaLast) || r == ProlongedSound
}

// IsSafeReading reports whether s is a non-empty, katakana-only reading.
func IsSafeReading(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !IsKatakana(r) {
			return false
		}
	}
	return true
}

// IsKanaOnly reports whether s holds only hiragana, katakana and long vowel marks.
func IsKanaOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !IsKatakana(r) && !(r >= hiraganaFirst && r <= hiraganaLast) {
			return false
		}
	}
	return true
}

// IsNumeric reports whether s is a number: digits (half or full width)
// with optional decimal or grouping separators.
func IsNumeric(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case strings.ContainsRune(".,，．", r):
		default:
			return false
		}
	}
	return digits > 0
}

// IsSymbolic reports whether s carries no letters at all (punctuation, spaces).
func IsSymbolic(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
