package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-123")
	ctx = WithSessionKey(ctx, "session-abc")
	ctx = WithSequence(ctx, 9)

	var buf bytes.Buffer
	logger := PropagateToLogger(ctx, zerolog.New(&buf))
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"traceId":"trace-123"`, `"sessionKey":"session-abc"`, `"sequence":9`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}

func TestPropagateToLoggerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggerFromContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("hello")

	if strings.Contains(buf.String(), "sessionKey") {
		t.Errorf("Unexpected session key in %s", buf.String())
	}
}

func TestMergeContextKeepsTarget(t *testing.T) {
	source := WithSessionKey(WithTraceID(context.Background(), "src-trace"), "src-session")
	target := WithTraceID(context.Background(), "dst-trace")

	merged := MergeContext(target, source)

	if GetTraceID(merged) != "dst-trace" {
		t.Error("Target trace ID should win")
	}
	if GetSessionKey(merged) != "src-session" {
		t.Error("Session key not merged")
	}
}

func TestDetachIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(WithSessionKey(context.Background(), "s-1"))
	cancel()

	detached := Detach(ctx)
	if detached.Err() != nil {
		t.Error("Detached context should not be cancelled")
	}
	if GetSessionKey(detached) != "s-1" {
		t.Error("Session key not carried over")
	}
}
