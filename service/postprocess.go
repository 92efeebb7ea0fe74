package service

import (
	"cmp"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// kaomoji tags whose underscores are part of the face
var kaomojis = map[string]bool{
	"0_0": true, "(o)_(o)": true, "+_+": true, "+_-": true, "._.": true,
	"<o>_<o>": true, "<|>_<|>": true, "=_=": true, ">_<": true, "3_3": true,
	"6_9": true, ">_o": true, "@_@": true, "^_^": true, "o_o": true,
	"u_u": true, "x_x": true, "|_|": true, "||_||": true,
}

// Selection is the thresholded model output, each category sorted by
// descending score.
type Selection struct {
	Rating    *TagScore
	Character []TagScore
	General   []TagScore
}

// Select applies the per-category thresholds. Only the best rating is kept,
// and only when it reaches the general threshold.
func Select(scores []float32, labels []Label, generalThreshold, characterThreshold float32) Selection {
	var sel Selection
	for i, s := range scores {
		if i >= len(labels) {
			break
		}
		l := labels[i]
		switch l.Category {
		case Rating:
			if sel.Rating == nil || s > sel.Rating.Score {
				sel.Rating = &TagScore{Tag: l.Name, Score: s}
			}
		case Character:
			if s >= characterThreshold {
				sel.Character = append(sel.Character, TagScore{Tag: l.Name, Score: s})
			}
		case General:
			if s >= generalThreshold {
				sel.General = append(sel.General, TagScore{Tag: l.Name, Score: s})
			}
		}
	}
	if sel.Rating != nil && sel.Rating.Score < generalThreshold {
		sel.Rating = nil
	}
	byScore := func(a, b TagScore) int { return cmp.Compare(b.Score, a.Score) }
	slices.SortStableFunc(sel.Character, byScore)
	slices.SortStableFunc(sel.General, byScore)
	return sel
}

// FormatTag applies the underscore replacement, leaving kaomoji intact.
func FormatTag(tag string, replaceUnderscore bool) string {
	if !replaceUnderscore || kaomojis[tag] {
		return tag
	}
	return strings.ReplaceAll(tag, "_", " ")
}

// tagKey is the identity used for exclusion and deduplication: case-folded,
// NFC normalised, with underscores and spaces treated alike.
func tagKey(tag string) string {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", " ")
	return cases.Fold().String(norm.NFC.String(tag))
}

// SplitTags splits a comma separated list, dropping empty entries.
func SplitTags(s string) []string {
	var out []string
	for t := range strings.SplitSeq(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Render formats the selection and builds the final tag string. Prepended
// tags always come first and exactly once; they are never excluded. Model
// tags follow in rating, character, general order.
func Render(sel Selection, o Options) (Selection, string) {
	exclude := map[string]bool{}
	for _, t := range SplitTags(o.ExcludeTags) {
		exclude[tagKey(t)] = true
	}

	seen := map[string]bool{}
	var out []string
	for _, t := range SplitTags(o.PrependTags) {
		k := tagKey(t)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}

	keep := func(ts TagScore) (TagScore, bool) {
		ts.Tag = FormatTag(ts.Tag, o.ReplaceUnderscore)
		k := tagKey(ts.Tag)
		if exclude[k] || seen[k] {
			return ts, false
		}
		seen[k] = true
		out = append(out, ts.Tag)
		return ts, true
	}

	var res Selection
	if sel.Rating != nil {
		if ts, ok := keep(*sel.Rating); ok {
			res.Rating = &ts
		}
	}
	for _, ts := range sel.Character {
		if ts, ok := keep(ts); ok {
			res.Character = append(res.Character, ts)
		}
	}
	for _, ts := range sel.General {
		if ts, ok := keep(ts); ok {
			res.General = append(res.General, ts)
		}
	}
	return res, strings.Join(out, ", ")
}

// Postprocess turns raw model scores into the rendered selection and tag string.
func Postprocess(scores []float32, labels []Label, o Options) (Selection, string) {
	return Render(Select(scores, labels, o.GeneralThreshold, o.CharacterThreshold), o)
}
