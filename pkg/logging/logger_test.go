package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/callerr"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), "строка лога должна быть JSON: %s", line)
		out = append(out, m)
	}
	return out
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Output: &buf, Level: LogLevelDebug, JSON: true})

	log.WithComponent("coordinator").
		WithSession("s1", "sip:alice@example.com").
		Info(context.Background(), "session started", String("direction", "outgoing"), Int("streams", 2))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	assert.Equal(t, "session started", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "coordinator", entry["component"])
	assert.Equal(t, "s1", entry["session_id"])
	assert.Equal(t, "sip:alice@example.com", entry["remote_uri"])
	assert.Equal(t, "outgoing", entry["direction"])
	assert.EqualValues(t, 2, entry["streams"])
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Output: &buf, Level: LogLevelWarn, JSON: true})

	log.Info(context.Background(), "скрыто")
	log.Warn(context.Background(), "видно")
	assert.False(t, log.IsEnabled(LogLevelDebug))
	assert.True(t, log.IsEnabled(LogLevelError))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "видно", lines[0]["msg"])

	log.SetLevel(LogLevelDebug)
	assert.True(t, log.IsEnabled(LogLevelDebug))
}

func TestLogErrorEnrichesStructuredError(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Output: &buf, Level: LogLevelDebug, JSON: true})

	err := callerr.NonMonotonic("f1", 80, 40)
	log.LogError(context.Background(), err, "chunk rejected")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	// Предупреждения по критичности логируются уровнем warning
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "NON_MONOTONIC", entry["error_code"])
	assert.Equal(t, "TRANSFER", entry["error_category"])
	assert.Equal(t, "f1", entry["stream_id"])
	assert.EqualValues(t, 80, entry["previous"])
	assert.Contains(t, entry["error"], "NON_MONOTONIC")
}

func TestContextSession(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Output: &buf, Level: LogLevelInfo, JSON: true})

	ctx := ContextWithSession(context.Background(), "s42")
	log.Info(ctx, "event routed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "s42", lines[0]["session_id"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"loud", LogLevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNoOpLogger(t *testing.T) {
	var log StructuredLogger = NoOpLogger{}
	log.WithComponent("x").WithSession("s", "").Info(context.Background(), "ничего")
	assert.False(t, log.IsEnabled(LogLevelError))
	assert.Equal(t, NoOpLogger{}, OrDefault(NoOpLogger{}))
	assert.NotNil(t, OrDefault(nil))
}
