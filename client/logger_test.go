package client

import (
	"bytes"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":    LogDebug,
		"WARNING":  LogWarn,
		"error":    LogError,
		"critical": LogCritical,
		"off":      LogDisabled,
		"":         LogInfo,
		"verbose":  LogInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
	assert.Equal(t, "WARN", LogWarn.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestNewLoggerFiltersLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")

	level.Info(logger).Log("msg", "hidden")
	level.Warn(logger).Log("msg", "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "level=warn")
	assert.Contains(t, out, "ts=")
}

func TestNewLoggerRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug")

	level.Debug(logger).Log("msg", "auth", "password", "hunter2", "Token", "abc", "user", "cassandra")

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc")
	assert.Contains(t, out, "password=[REDACTED]")
	assert.Contains(t, out, "user=cassandra")
}

func TestNewLoggerDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "off")
	level.Error(logger).Log("msg", "nothing")
	assert.Empty(t, buf.String())
}
