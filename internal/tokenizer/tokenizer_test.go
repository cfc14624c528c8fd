package tokenizer

import (
	"testing"
)

func TestStaticLongestWord(t *testing.T) {
	tok := NewStatic(map[string]string{
		"東京":   "とうきょう",
		"東京都":  "とうきょうと",
		"天気":   "テンキ",
	})
	tokens := tok.Tokenize("東京都の天気")
	want := []string{"東京都", "の", "天気"}
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d: %+v", len(tokens), len(want), tokens)
	}
	for i, w := range want {
		if tokens[i].Surface != w {
			t.Errorf("token[%d] = %q, want %q", i, tokens[i].Surface, w)
		}
	}
	if tokens[0].Reading != "トウキョウト" {
		t.Errorf("reading = %q", tokens[0].Reading)
	}
	if tokens[2].CharStart != 4 || tokens[2].CharEnd != 6 {
		t.Errorf("offsets = %d..%d", tokens[2].CharStart, tokens[2].CharEnd)
	}
	if got := Reading(tokens); got != "トウキョウトノテンキ" {
		t.Errorf("Reading = %q", got)
	}
}

func TestStaticUnknownFallsBackToSurface(t *testing.T) {
	tokens := NewStatic(nil).Tokenize("AI。")
	if len(tokens) != 3 {
		t.Fatalf("got %d tokens", len(tokens))
	}
	if tokens[0].Reading != "A" || tokens[2].POS != "記号" {
		t.Errorf("unexpected tokens: %+v", tokens)
	}
}

func TestKagomeTokenize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping dictionary load in short mode")
	}
	k, err := NewKagome()
	if err != nil {
		t.Fatalf("NewKagome: %v", err)
	}
	tokens := k.Tokenize("今日は晴れ")
	if len(tokens) == 0 {
		t.Fatal("no tokens")
	}
	for _, tok := range tokens {
		if tok.Reading == "" {
			t.Errorf("token %q has empty reading", tok.Surface)
		}
		if tok.CharEnd <= tok.CharStart {
			t.Errorf("token %q has bad offsets %d..%d", tok.Surface, tok.CharStart, tok.CharEnd)
		}
	}
}
