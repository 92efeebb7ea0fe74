package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLabels(t *testing.T) {
	labels, err := ReadLabels(strings.NewReader(
		"tag_id,name,category,count\n" +
			"9999999,general,9,807691\n" +
			"470575,1girl,0,4225150\n" +
			"1,hatsune_miku,4,126327\n" +
			"2,\"comma,tag\",0,1\n" +
			"3,some_artist,1,10\n"))
	require.NoError(t, err)
	assert.Equal(t, []Label{
		{Name: "general", Category: Rating},
		{Name: "1girl", Category: General},
		{Name: "hatsune_miku", Category: Character},
		{Name: "comma,tag", Category: General},
		{Name: "some_artist", Category: Other},
	}, labels)
}

func TestReadLabelsHeaderOrder(t *testing.T) {
	labels, err := ReadLabels(strings.NewReader("category,name\n4,rin\n"))
	require.NoError(t, err)
	assert.Equal(t, []Label{{Name: "rin", Category: Character}}, labels)
}

func TestReadLabelsErrors(t *testing.T) {
	for name, in := range map[string]string{
		"empty":        "",
		"header only":  "tag_id,name,category,count\n",
		"bad category": "tag_id,name,category,count\n0,a,x,1\n",
		"short row":    "tag_id,name,category,count\n0\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadLabels(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestLoadLabelsWrapsModelLoad(t *testing.T) {
	_, err := LoadLabels(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, ErrModelLoad)

	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("tag_id,name,category\n"), 0o644))
	_, err = LoadLabels(path)
	assert.ErrorIs(t, err, ErrModelLoad)
}
