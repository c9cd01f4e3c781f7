package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewAppliesLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{level: "debug", want: zap.DebugLevel},
		{level: "INFO", want: zap.InfoLevel},
		{level: "warn", want: zap.WarnLevel},
		{level: "error", want: zap.ErrorLevel},
		{level: "verbose", want: zap.InfoLevel},
		{level: "", want: zap.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := New(tt.level, "json")
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zap.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestComponentTagsLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	Component(zap.New(core), "orchestrator").Info("chunk submitted")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "orchestrator", entries[0].ContextMap()["component"])
}

func TestComponentToleratesNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		Component(nil, "http").Info("ignored")
	})
}
