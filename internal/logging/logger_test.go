package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "worker", "debug", "json")
	log.Debug().Str("queue_id", "q1").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "worker", line["service"])
	assert.Equal(t, "q1", line["queue_id"])
	assert.Equal(t, "debug", line["level"])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "api", "chatty", "json")
	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
