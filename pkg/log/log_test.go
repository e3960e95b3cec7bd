package log_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hpcq/pkg/log"
)

func TestInitJSONOutputProducesParseableLines(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: &buf})

	log.WithComponent("test").Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "test", entry["component"])
}

func TestWithJobIDAddsField(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: &buf})

	log.WithJobID("brave-comet-1a2b3c").Info().Msg("running")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "brave-comet-1a2b3c", entry["job_id"])
}

func TestWithLeaseIDAddsField(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: &buf})

	log.WithLeaseID("lease-1").Info().Msg("leased")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "lease-1", entry["lease_id"])
}

func TestInitErrorLevelSuppressesBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: &buf})

	log.WithComponent("test").Info().Msg("should be suppressed")
	assert.Empty(t, buf.String())

	log.WithComponent("test").Error().Msg("should appear")
	assert.NotEmpty(t, buf.String())
}
