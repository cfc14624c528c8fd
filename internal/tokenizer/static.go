package tokenizer

import (
	"sort"
	"unicode/utf8"

	"github.com/dgnsrekt/yomi/internal/kana"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

// Static is a lexicon-driven tokenizer: it greedily matches the longest known
// word and emits every other rune as its own token. It needs no dictionary
// download, which makes it the tokenizer of choice for tests and dry runs.
type Static struct {
	words   map[string]string
	maxLen  int
	ordered []string
}

// NewStatic builds a Static tokenizer from surface → reading pairs.
func NewStatic(words map[string]string) *Static {
	s := &Static{words: make(map[string]string, len(words))}
	for surface, reading := range words {
		s.words[surface] = kana.ToKatakana(reading)
		s.ordered = append(s.ordered, surface)
		if n := utf8.RuneCountInString(surface); n > s.maxLen {
			s.maxLen = n
		}
	}
	sort.Strings(s.ordered)
	return s
}

// Tokenize implements Tokenizer.
func (s *Static) Tokenize(text string) []ttypes.Token {
	runes := []rune(text)
	var tokens []ttypes.Token
	for i := 0; i < len(runes); {
		matched := false
		for n := min(s.maxLen, len(runes)-i); n > 0; n-- {
			surface := string(runes[i : i+n])
			if reading, ok := s.words[surface]; ok {
				tokens = append(tokens, ttypes.Token{
					Surface: surface, POS: "名詞", Reading: reading,
					CharStart: i, CharEnd: i + n,
				})
				i += n
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		surface := string(runes[i])
		pos := "記号"
		if kana.IsKanaOnly(surface) {
			pos = "助詞"
		} else if !kana.IsSymbolic(surface) {
			pos = "名詞"
		}
		tokens = append(tokens, ttypes.Token{
			Surface: surface, POS: pos, Reading: kana.ToKatakana(surface),
			CharStart: i, CharEnd: i + 1,
		})
		i++
	}
	return tokens
}
