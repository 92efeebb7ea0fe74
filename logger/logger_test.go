package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Level: LevelInfo, Format: "text"}.Validate())
	assert.Error(t, Config{Level: "verbose", Format: "text"}.Validate())
	assert.Error(t, Config{Level: LevelInfo, Format: "xml"}.Validate())
	assert.Error(t, Config{}.Validate())
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: LevelWarn, Format: "json"})

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown", "model", "wd-vit-tagger-v3")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "wd-vit-tagger-v3", rec["model"])
}
