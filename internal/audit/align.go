package audit

import (
	"strings"

	"github.com/dgnsrekt/yomi/internal/kana"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

// Span is a run of contiguous tokens whose reading disagrees with the
// engine moras aligned to it.
type Span struct {
	TokenStart, TokenEnd int // [start, end) over tokens
	MoraStart, MoraEnd   int // [start, end) over the engine's global moras
	Surface              string
	MorphReading         string
	EngineReading        string
}

// Alignment costs. Vowel-like pairs are cheap so that long vowel spellings
// (トウ / トー) align mora for mora.
const (
	costEqual     = 0
	costVowelLike = 1
	costSubst     = 2
	costIndel     = 2
)

type morphMora struct {
	text  string
	token int
}

// Align maps each token onto the engine's moras with an edit-distance
// alignment and returns the disagreeing token spans. Kana-only, symbol and
// numeric tokens are never reported: kana spell their own reading, and the
// engine's reading of a number is taken as is.
func Align(tokens []ttypes.Token, engineMoras []string, n *kana.Normalizer) []Span {
	var morph []morphMora
	tokStart := make([]int, len(tokens)+1)
	readings := make([]string, len(tokens))
	for i, t := range tokens {
		tokStart[i] = len(morph)
		var moras []string
		readings[i], moras = tokenMoras(t)
		for _, m := range moras {
			morph = append(morph, morphMora{text: m, token: i})
		}
	}
	tokStart[len(tokens)] = len(morph)

	bounds := alignBounds(morph, engineMoras, n)

	var spans []Span
	var cur *Span
	flush := func() {
		if cur != nil {
			spans = append(spans, *cur)
			cur = nil
		}
	}
	for i, t := range tokens {
		ms, me := tokStart[i], tokStart[i+1]
		es, ee := bounds[ms], bounds[me]
		if ms == me && es == ee {
			// Symbols without a reading break nothing and extend nothing.
			continue
		}

		engineSub := strings.Join(engineMoras[es:ee], "")
		prefix := ""
		if es > 0 {
			prefix = engineMoras[es-1]
		}
		agrees := n.Equal(prefix+readings[i], prefix+engineSub)
		ignorable := kana.IsKanaOnly(t.Surface) || kana.IsSymbolic(t.Surface) || kana.IsNumeric(t.Surface)

		if agrees || ignorable {
			flush()
			continue
		}
		if cur == nil {
			cur = &Span{TokenStart: i, MoraStart: es}
		}
		cur.TokenEnd = i + 1
		cur.MoraEnd = ee
		cur.Surface += t.Surface
		cur.MorphReading += readings[i]
		cur.EngineReading += engineSub
	}
	flush()
	return spans
}

// alignBounds returns, for every morph boundary i in [0, len(morph)], the
// engine boundary it aligns to. Engine moras inserted between two morph
// moras belong to the later token.
func alignBounds(morph []morphMora, engine []string, n *kana.Normalizer) []int {
	rows, cols := len(morph)+1, len(engine)+1
	dp := make([][]int, rows)
	for i := range dp {
		dp[i] = make([]int, cols)
		dp[i][0] = i * costIndel
	}
	for j := 0; j < cols; j++ {
		dp[0][j] = j * costIndel
	}
	for i := 1; i < rows; i++ {
		for j := 1; j < cols; j++ {
			best := dp[i-1][j-1] + moraCost(morph[i-1].text, engine[j-1], n)
			if v := dp[i-1][j] + costIndel; v < best {
				best = v
			}
			if v := dp[i][j-1] + costIndel; v < best {
				best = v
			}
			dp[i][j] = best
		}
	}

	// Walk back, recording the smallest engine boundary reached for each i.
	bounds := make([]int, rows)
	for i := range bounds {
		bounds[i] = -1
	}
	i, j := rows-1, cols-1
	bounds[i] = j
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && dp[i][j] == dp[i-1][j-1]+moraCost(morph[i-1].text, engine[j-1], n):
			i, j = i-1, j-1
		case i > 0 && dp[i][j] == dp[i-1][j]+costIndel:
			i--
		default:
			j--
		}
		bounds[i] = j
	}

	// Walking backwards we overwrite with ever smaller j, so bounds[i] is the
	// point where morph boundary i was first reached. Insertions after the
	// last morph mora stay with the last token.
	bounds[rows-1] = cols - 1
	for k := 1; k < rows; k++ {
		if bounds[k] < bounds[k-1] {
			bounds[k] = bounds[k-1]
		}
	}
	return bounds
}

func moraCost(a, b string, n *kana.Normalizer) int {
	if a == b || n.Equal(a, b) {
		return costEqual
	}
	if vowelLike(a) && vowelLike(b) {
		return costVowelLike
	}
	return costSubst
}

func vowelLike(m string) bool {
	switch m {
	case "ー", "ア", "イ", "ウ", "エ", "オ":
		return true
	}
	return false
}

// tokenMoras returns a token's reading and its moras. A token the tokenizer
// could not read (Latin, digits) stands as one opaque mora so the engine's
// reading of it still aligns onto it. Align reports unread Latin but not
// digits.
func tokenMoras(t ttypes.Token) (string, []string) {
	reading := phoneticOnly(t.Reading)
	if reading == "" {
		if kana.IsSymbolic(t.Surface) {
			return "", nil
		}
		return t.Surface, []string{t.Surface}
	}
	return reading, kana.SplitMora(reading)
}

// phoneticOnly keeps the katakana of a reading, dropping symbols.
func phoneticOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if kana.IsKatakana(r) {
			return r
		}
		return -1
	}, kana.NormalizeReading(s))
}
