package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := Scoped(New(Config{Level: "debug", Format: "json", Output: &buf}), "runner")

	logger.Debug().Str("run_id", "run_1").Msg("started")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "debug", event["level"])
	assert.Equal(t, "runner", event["component"])
	assert.Equal(t, "run_1", event["run_id"])
	assert.Equal(t, "started", event["message"])
	assert.Contains(t, event, "time")
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Format: "json", Output: &buf})

	logger.Info().Msg("dropped")
	assert.Empty(t, buf.String())

	logger.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "loud", Output: &buf})

	logger.Debug().Msg("dropped")
	logger.Info().Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestNew_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "console", Output: &buf})

	logger.Info().Msg("hello console")

	assert.Contains(t, buf.String(), "hello console")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
