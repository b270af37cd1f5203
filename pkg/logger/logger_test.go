package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prevOut, prevLogger := output, slog.Default()
	output = buf
	t.Cleanup(func() {
		output = prevOut
		slog.SetDefault(prevLogger)
	})
	return buf
}

func TestSetup(t *testing.T) {
	buf := captureOutput(t)

	Setup("test-service", "info", "json")
	slog.Info("hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "test-service", record["service"])
	assert.Equal(t, "hello", record["msg"])
}

func TestSetup_LevelFilters(t *testing.T) {
	buf := captureOutput(t)

	Setup("test-service", "warn", "text")
	slog.Info("dropped")
	assert.Empty(t, buf.String())

	slog.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestWithContext(t *testing.T) {
	buf := captureOutput(t)
	Setup("test-service", "info", "json")

	WithContext(context.Background()).Info("no span")
	assert.NotContains(t, buf.String(), "trace_id")
	buf.Reset()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	WithItem(ctx, "item-1").Info("with span")
	assert.Contains(t, buf.String(), "4bf92f3577b34da6a3ce929d0e0e4736")
	assert.Contains(t, buf.String(), `"item_id":"item-1"`)
}

func TestError(t *testing.T) {
	buf := captureOutput(t)
	Setup("test-service", "info", "json")

	Error("boom", errors.New("bad thing"), "k", "v")
	assert.Contains(t, buf.String(), `"error":"bad thing"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
