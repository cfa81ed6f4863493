package core

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := &ProductionLogger{
		level:   "info",
		service: "test-service",
		format:  "json",
		output:  &buf,
	}

	logger.Info("hello", map[string]interface{}{"key": "value"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "test-service", entry["service"])
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "value", entry["key"])
}

func TestProductionLoggerDebugGatedByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := &ProductionLogger{level: "info", format: "json", output: &buf}

	logger.Debug("should not appear", nil)
	assert.Empty(t, buf.String())
}

func TestProductionLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	base := &ProductionLogger{level: "info", service: "svc", format: "json", output: &buf}
	scoped := base.WithComponent("dispatcher")

	scoped.Info("claimed", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dispatcher", entry["component"])
}

func TestNoOpLoggerDoesNothing(t *testing.T) {
	var l Logger = NoOpLogger{}
	assert.NotPanics(t, func() {
		l.Info("x", nil)
		l.ErrorWithContext(nil, "x", nil)
	})
}
