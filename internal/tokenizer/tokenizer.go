// Package tokenizer adapts a morphological analyzer to the pipeline's token
// model: surface, part of speech, katakana reading and rune offsets.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/yomi/internal/kana"
	"github.com/dgnsrekt/yomi/internal/ttypes"
	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
)

// Tokenizer splits text into tokens. Readings are always populated; a token
// the analyzer cannot read falls back to its surface.
type Tokenizer interface {
	Tokenize(text string) []ttypes.Token
}

// Kagome is a Tokenizer backed by kagome with the IPA dictionary.
type Kagome struct {
	t *tokenizer.Tokenizer
}

// NewKagome builds the analyzer. Loading the dictionary is the expensive part,
// so callers build one per run and pass it down.
func NewKagome() (*Kagome, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, fmt.Errorf("failed to create kagome tokenizer: %w", err)
	}
	return &Kagome{t: t}, nil
}

// Tokenize implements Tokenizer.
func (k *Kagome) Tokenize(text string) []ttypes.Token {
	raw := k.t.Tokenize(text)
	tokens := make([]ttypes.Token, 0, len(raw))
	for _, tok := range raw {
		if tok.Surface == "" {
			continue
		}
		reading, ok := tok.Pronunciation()
		if !ok || reading == "*" || reading == "" {
			reading, ok = tok.Reading()
		}
		if !ok || reading == "*" || reading == "" {
			reading = tok.Surface
		}
		pos := tok.POS()
		tag := ""
		if len(pos) > 0 {
			tag = pos[0]
		}
		tokens = append(tokens, ttypes.Token{
			Surface:   tok.Surface,
			POS:       tag,
			Reading:   kana.ToKatakana(reading),
			CharStart: tok.Start,
			CharEnd:   tok.End,
		})
	}
	return tokens
}

// Reading concatenates the readings of tokens.
func Reading(tokens []ttypes.Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Reading)
	}
	return b.String()
}

// Func adapts a plain function to Tokenizer.
type Func func(text string) []ttypes.Token

// Tokenize implements Tokenizer.
func (f Func) Tokenize(text string) []ttypes.Token { return f(text) }
