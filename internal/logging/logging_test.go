package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/posqueue/internal/config"
)

func TestNewWithWriter_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("dropped")
	logger.Warn("kept", "component", "sync")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "sync", entry["component"])
}

func TestNewWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.LoggingConfig{Level: "debug", Format: "text"})

	logger.Debug("hello", "n", 1)

	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "n=1")
}
