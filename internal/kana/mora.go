package kana

var vowelRows = map[rune]string{
	'a': "アカガサザタダナハバパマヤラワァャヮヵ",
	'i': "イキギシジチヂニヒビピミリヰィ",
	'u': "ウクグスズツヅヌフブプムユルゥュヴ",
	'e': "エケゲセゼテデネヘベペメレヱェヶ",
	'o': "オコゴソゾトドノホボポモヨロヲォョ",
}

var vowelKana = map[rune]rune{'a': 'ア', 'i': 'イ', 'u': 'ウ', 'e': 'エ', 'o': 'オ'}

var vowelOf = func() map[rune]rune {
	m := make(map[rune]rune)
	for v, row := range vowelRows {
		for _, r := range row {
			m[r] = v
		}
	}
	return m
}()

// VowelOf returns the romanized vowel ('a', 'i', ...) of a katakana rune, or 0.
func VowelOf(r rune) rune {
	return vowelOf[r]
}

func isVowelKana(r rune) bool {
	switch r {
	case 'ア', 'イ', 'ウ', 'エ', 'オ':
		return true
	}
	return false
}

func isSmall(r rune) bool {
	switch r {
	case 'ァ', 'ィ', 'ゥ', 'ェ', 'ォ', 'ャ', 'ュ', 'ョ', 'ヮ':
		return true
	}
	return false
}

// SplitMora splits a katakana string into moras. Small kana attach to the
// preceding mora; ッ, ン and ー are moras of their own.
func SplitMora(s string) []string {
	var out []string
	for _, r := range s {
		if isSmall(r) && len(out) > 0 {
			out[len(out)-1] += string(r)
			continue
		}
		out = append(out, string(r))
	}
	return out
}

var consonants = map[rune]string{
	'カ': "k", 'キ': "k", 'ク': "k", 'ケ': "k", 'コ': "k",
	'ガ': "g", 'ギ': "g", 'グ': "g", 'ゲ': "g", 'ゴ': "g",
	'サ': "s", 'シ': "sh", 'ス': "s", 'セ': "s", 'ソ': "s",
	'ザ': "z", 'ジ': "j", 'ズ': "z", 'ゼ': "z", 'ゾ': "z",
	'タ': "t", 'チ': "ch", 'ツ': "ts", 'テ': "t", 'ト': "t",
	'ダ': "d", 'ヂ': "j", 'ヅ': "z", 'デ': "d", 'ド': "d",
	'ナ': "n", 'ニ': "n", 'ヌ': "n", 'ネ': "n", 'ノ': "n",
	'ハ': "h", 'ヒ': "h", 'フ': "f", 'ヘ': "h", 'ホ': "h",
	'バ': "b", 'ビ': "b", 'ブ': "b", 'ベ': "b", 'ボ': "b",
	'パ': "p", 'ピ': "p", 'プ': "p", 'ペ': "p", 'ポ': "p",
	'マ': "m", 'ミ': "m", 'ム': "m", 'メ': "m", 'モ': "m",
	'ヤ': "y", 'ユ': "y", 'ヨ': "y",
	'ラ': "r", 'リ': "r", 'ル': "r", 'レ': "r", 'ロ': "r",
	'ワ': "w", 'ヴ': "v",
}

// MoraPhonemes returns the consonant and vowel of one mora as produced by
// SplitMora. ン yields vowel "N", ッ yields "cl" and ー yields prevVowel.
func MoraPhonemes(mora string, prevVowel string) (consonant, vowel string) {
	runes := []rune(mora)
	if len(runes) == 0 {
		return "", ""
	}
	base := runes[0]
	switch base {
	case 'ン':
		return "", "N"
	case 'ッ':
		return "", "cl"
	case ProlongedSound:
		return "", prevVowel
	}
	consonant = consonants[base]
	vowel = string(VowelOf(base))
	if len(runes) == 1 {
		return consonant, vowel
	}
	small := runes[len(runes)-1]
	vowel = string(VowelOf(small))
	switch small {
	case 'ャ', 'ュ', 'ョ':
		switch consonant {
		case "sh", "j", "ch":
		case "":
			consonant = "y"
		default:
			consonant += "y"
		}
	case 'ヮ':
		consonant += "w"
	default:
		if consonant == "" {
			switch base {
			case 'ウ':
				consonant = "w"
			case 'イ':
				consonant = "y"
			}
		}
	}
	return consonant, vowel
}
