package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testLabels = []Label{
	{"general", Rating},
	{"sensitive", Rating},
	{"questionable", Rating},
	{"explicit", Rating},
	{"1girl", General},
	{"long_hair", General},
	{"twintails", General},
	{"^_^", General},
	{"smile", General},
	{"hatsune_miku", Character},
	{"kagamine_rin", Character},
	{"artist_x", Other},
}

var testScores = []float32{
	0.80, 0.15, 0.04, 0.01,
	0.99, 0.90, 0.60, 0.40, 0.30,
	0.95, 0.50,
	0.99,
}

func defaultOptions() Options {
	return Options{GeneralThreshold: 0.35, CharacterThreshold: 0.85, ReplaceUnderscore: true}
}

func TestPostprocessDefault(t *testing.T) {
	sel, tags := Postprocess(testScores, testLabels, defaultOptions())
	assert.Equal(t, "general, hatsune miku, 1girl, long hair, twintails, ^_^", tags)
	assert.Equal(t, &TagScore{Tag: "general", Score: 0.80}, sel.Rating)
	assert.Equal(t, []TagScore{{"hatsune miku", 0.95}}, sel.Character)
	assert.Len(t, sel.General, 4)
}

func TestSelectSortsByScore(t *testing.T) {
	labels := []Label{{"a", General}, {"b", General}, {"c", General}, {"d", General}}
	sel := Select([]float32{0.5, 0.9, 0.5, 0.7}, labels, 0.1, 0.1)
	var got []string
	for _, ts := range sel.General {
		got = append(got, ts.Tag)
	}
	// ties keep label order
	assert.Equal(t, []string{"b", "d", "a", "c"}, got)
}

func TestGeneralThresholdMonotonic(t *testing.T) {
	prev := -1
	for th := float32(0); th <= 1.0001; th += 0.05 {
		sel := Select(testScores, testLabels, th, 0.85)
		if prev >= 0 {
			assert.LessOrEqual(t, len(sel.General), prev, "threshold %v", th)
		}
		prev = len(sel.General)
	}
}

func TestThresholdInclusive(t *testing.T) {
	sel := Select([]float32{0.5, 0.85}, []Label{{"a", General}, {"miku", Character}}, 0.5, 0.85)
	assert.Len(t, sel.General, 1)
	assert.Len(t, sel.Character, 1)
}

func TestRatingAtMostOne(t *testing.T) {
	for _, th := range []float32{0, 0.1, 0.5, 0.9} {
		_, tags := Postprocess(testScores, testLabels, Options{GeneralThreshold: th, CharacterThreshold: 0.85})
		n := 0
		for _, tag := range strings.Split(tags, ", ") {
			switch tag {
			case "general", "sensitive", "questionable", "explicit":
				n++
			}
		}
		assert.LessOrEqual(t, n, 1)
	}
	sel := Select(testScores, testLabels, 0.9, 0.85)
	assert.Nil(t, sel.Rating, "best rating below threshold")
}

func TestExcludeCaseInsensitive(t *testing.T) {
	o := defaultOptions()
	o.ExcludeTags = " LONG HAIR , Hatsune_Miku,,1GIRL"
	_, tags := Postprocess(testScores, testLabels, o)
	assert.Equal(t, "general, twintails, ^_^", tags)

	o.ReplaceUnderscore = false
	o.ExcludeTags = "long hair"
	_, tags = Postprocess(testScores, testLabels, o)
	assert.NotContains(t, tags, "long_hair")
}

func TestPrependWinsOverExclude(t *testing.T) {
	o := defaultOptions()
	o.PrependTags = "masterpiece, 1girl, masterpiece, Long Hair"
	o.ExcludeTags = "masterpiece, long hair"
	_, tags := Postprocess(testScores, testLabels, o)
	assert.Equal(t, "masterpiece, 1girl, Long Hair, general, hatsune miku, twintails, ^_^", tags)
	for _, p := range []string{"masterpiece", "1girl", "Long Hair"} {
		assert.Equal(t, 1, strings.Count(tags, p), p)
	}
}

func TestPrependOnlyWhenNothingDetected(t *testing.T) {
	o := Options{GeneralThreshold: 1, CharacterThreshold: 1, PrependTags: "a_b"}
	_, tags := Postprocess(testScores, testLabels, o)
	assert.Equal(t, "a_b", tags, "prepended tags are verbatim")
}

func TestFormatTag(t *testing.T) {
	assert.Equal(t, "a b c", FormatTag("a_b_c", true))
	assert.Equal(t, "a_b_c", FormatTag("a_b_c", false))
	assert.Equal(t, "^_^", FormatTag("^_^", true))
	assert.Equal(t, ">_<", FormatTag(">_<", true))
}

func TestDeduplicate(t *testing.T) {
	labels := []Label{{"blue_eyes", General}, {"blue eyes", General}, {"Blue_Eyes", General}}
	_, tags := Postprocess([]float32{0.9, 0.8, 0.7}, labels, defaultOptions())
	assert.Equal(t, "blue eyes", tags)
}

func TestSplitTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b c"}, SplitTags(" a ,, b c ,"))
	assert.Nil(t, SplitTags(""))
	assert.Nil(t, SplitTags(" , "))
}

func TestSelectIgnoresExtraScores(t *testing.T) {
	sel := Select([]float32{0.9, 0.9}, []Label{{"a", General}}, 0.5, 0.5)
	assert.Len(t, sel.General, 1)
}
