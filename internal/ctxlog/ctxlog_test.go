package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_DefaultsWhenMissing(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := With(WithLogger(context.Background(), logger), "privacy_request_id", "pr-1")
	FromContext(ctx).Info("hello")

	assert.Contains(t, buf.String(), "privacy_request_id=pr-1")
	assert.Contains(t, buf.String(), "msg=hello")
}
