package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/dgnsrekt/yomi/internal/kana"
	"github.com/dgnsrekt/yomi/internal/ttypes"
)

const defaultMoraLength = 0.12

// ApplyPatches returns a copy of p with each patch's global mora range
// [MoraStart, MoraEnd) replaced by moras built from its kana. New moras join
// the phrase that held MoraStart; phrases left empty are dropped and accents
// are clamped to the new phrase lengths. p itself is not modified.
func ApplyPatches(p *ttypes.Phrasing, patches []ttypes.Patch) (*ttypes.Phrasing, error) {
	if len(patches) == 0 {
		return clonePhrasing(p), nil
	}

	var flat []ttypes.Mora
	var owner []int
	for pi, ph := range p.Phrases {
		for _, m := range ph.Moras {
			flat = append(flat, m)
			owner = append(owner, pi)
		}
	}
	total := len(flat)
	if len(p.Phrases) == 0 {
		return nil, fmt.Errorf("%w: phrasing has no accent phrases", ErrInvalidPatch)
	}

	sorted := append([]ttypes.Patch(nil), patches...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MoraStart < sorted[j].MoraStart })
	prevEnd := 0
	for _, pt := range sorted {
		if pt.MoraStart < prevEnd || pt.MoraStart > pt.MoraEnd || pt.MoraEnd > total {
			return nil, fmt.Errorf("%w: range [%d,%d) over %d moras", ErrInvalidPatch, pt.MoraStart, pt.MoraEnd, total)
		}
		if !kana.IsSafeReading(kana.NormalizeReading(pt.Kana)) {
			return nil, fmt.Errorf("%w: kana %q", ErrInvalidPatch, pt.Kana)
		}
		prevEnd = pt.MoraEnd
	}

	out := make([][]ttypes.Mora, len(p.Phrases))
	next, skipUntil := 0, 0
	for g := 0; g <= total; g++ {
		for next < len(sorted) && sorted[next].MoraStart == g {
			pt := sorted[next]
			target := len(p.Phrases) - 1
			if g < total {
				target = owner[g]
			}
			out[target] = append(out[target], buildMoras(flat, pt)...)
			skipUntil = pt.MoraEnd
			next++
		}
		if g == total {
			break
		}
		if g < skipUntil {
			continue
		}
		out[owner[g]] = append(out[owner[g]], flat[g])
	}

	res := &ttypes.Phrasing{Params: p.Params}
	for i, ph := range p.Phrases {
		if len(out[i]) == 0 {
			// Keep a dropped phrase's pause on the previous phrase.
			if ph.PauseMora != nil && len(res.Phrases) > 0 && res.Phrases[len(res.Phrases)-1].PauseMora == nil {
				res.Phrases[len(res.Phrases)-1].PauseMora = ph.PauseMora
			}
			continue
		}
		ph.Moras = out[i]
		ph.Accent = clamp(ph.Accent, 1, len(ph.Moras))
		res.Phrases = append(res.Phrases, ph)
	}
	return res, nil
}

// buildMoras turns a patch's kana into moras. Lengths and pitch are the mean
// of the replaced moras so the phrasing stays synthesizable without a refresh.
func buildMoras(flat []ttypes.Mora, pt ttypes.Patch) []ttypes.Mora {
	ref := flat[pt.MoraStart:pt.MoraEnd]
	if len(ref) == 0 {
		ref = flat
	}
	consLen, vowelLen, pitch := meanLengths(ref)

	prevVowel := ""
	if pt.MoraStart > 0 {
		prevVowel = flat[pt.MoraStart-1].Vowel
	}

	var moras []ttypes.Mora
	for _, text := range kana.SplitMora(kana.NormalizeReading(pt.Kana)) {
		consonant, vowel := kana.MoraPhonemes(text, prevVowel)
		m := ttypes.Mora{Text: text, Vowel: vowel, VowelLength: vowelLen, Pitch: pitch}
		if vowel == "cl" {
			m.Pitch = 0
		}
		if consonant != "" {
			c, l := consonant, consLen
			m.Consonant, m.ConsonantLength = &c, &l
		}
		moras = append(moras, m)
		prevVowel = vowel
	}
	return moras
}

func meanLengths(ms []ttypes.Mora) (cons, vowel, pitch float64) {
	if len(ms) == 0 {
		return defaultMoraLength / 2, defaultMoraLength, 5.5
	}
	var nc int
	for _, m := range ms {
		if m.ConsonantLength != nil {
			cons += *m.ConsonantLength
			nc++
		}
		vowel += m.VowelLength
		pitch += m.Pitch
	}
	if nc > 0 {
		cons /= float64(nc)
	} else {
		cons = defaultMoraLength / 2
	}
	vowel /= float64(len(ms))
	pitch /= float64(len(ms))
	if vowel <= 0 {
		vowel = defaultMoraLength
	}
	return cons, vowel, pitch
}

// Prepare applies patches and, when the backend supports it, refreshes mora
// lengths and pitch for the patched phrasing.
func Prepare(ctx context.Context, b QueryBackend, p *ttypes.Phrasing, patches []ttypes.Patch) (*ttypes.Phrasing, error) {
	patched, err := ApplyPatches(p, patches)
	if err != nil {
		return nil, err
	}
	if len(patches) == 0 {
		return patched, nil
	}
	if r, ok := b.(MoraRefresher); ok {
		return r.RefreshMoras(ctx, patched)
	}
	return patched, nil
}

func clonePhrasing(p *ttypes.Phrasing) *ttypes.Phrasing {
	out := &ttypes.Phrasing{Params: p.Params, Phrases: make([]ttypes.AccentPhrase, len(p.Phrases))}
	for i, ph := range p.Phrases {
		ph.Moras = append([]ttypes.Mora(nil), ph.Moras...)
		out.Phrases[i] = ph
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
