package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nyxel/api/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestNew_WithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nyxel.log")
	log := New(&config.LogConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	require.NotNil(t, log)

	log.Info("hello")
	_ = log.Sync()

	assert.FileExists(t, path)
}

func TestContext_RoundTrip(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := WithContext(context.Background(), base)
	FromContext(ctx).Info("from ctx")

	assert.Equal(t, 1, logs.Len())
	assert.NotNil(t, FromContext(context.Background()))
}

func TestForJob_AddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ForJob(zap.New(core), "atlas", "job-1").Info("polled")

	entry := logs.All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "atlas", fields["provider"])
	assert.Equal(t, "job-1", fields["job_ref"])
}
