package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_ErrorLevelDisablesInfo(t *testing.T) {
	logger := New("error", "text")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestRequestID_OverwritesPrevious(t *testing.T) {
	ctx := WithRequestID(context.Background(), "first")
	ctx = WithRequestID(ctx, "second")
	assert.Equal(t, "second", RequestID(ctx))
	assert.Empty(t, AccountID(ctx))
}

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestL_AddsRequestAndAccountIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithAccountID(ctx, "acct-9")

	L(ctx).Info("scored")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "scored", line["msg"])
	assert.Equal(t, "req-456", line["request_id"])
	assert.Equal(t, "acct-9", line["account_id"])
}

func TestL_WithoutIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))

	L(ctx).Info("plain")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	_, hasReq := line["request_id"]
	assert.False(t, hasReq)
}

func TestWithFallback(t *testing.T) {
	var reqBuf, svcBuf bytes.Buffer
	reqLogger := NewWithWriter(&reqBuf, "info", "json")
	svcLogger := NewWithWriter(&svcBuf, "info", "json")

	ctx := WithFallback(context.Background(), svcLogger)
	assert.Same(t, svcLogger, FromContext(ctx))

	ctx = WithFallback(WithLogger(context.Background(), reqLogger), svcLogger)
	assert.Same(t, reqLogger, FromContext(ctx))

	assert.Same(t, slog.Default(), FromContext(WithFallback(context.Background(), nil)))
}
