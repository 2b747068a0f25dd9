package internal

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{" info ", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"fatal", LevelFatal, false},
		{"off", Disable, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLoggerFormatsLevelAndSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)
	logger.Log(t.Context(), LevelTrace, "hello", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "source=internal/log_test.go:")
	assert.Contains(t, out, "UTC")
	assert.Contains(t, out, "key=value")
}
