package observability

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/harun/logdeck/internal/logger"
	"github.com/harun/logdeck/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one security-relevant action taken by the engine.
type AuditEvent struct {
	Type      string
	Timestamp time.Time
	Actor     string // session key or connection id
	Action    string // e.g. "spawn:/bin/ls", "add"
	Status    string
	Metadata  map[string]interface{}
}

// AuditLog writes audit events as JSON lines. Until Open is called events
// only reach metrics and the active span.
type AuditLog struct {
	mu     sync.Mutex
	out    zerolog.Logger
	closer io.Closer
}

var audit = &AuditLog{out: zerolog.Nop()}

// Audit returns the process-wide audit log.
func Audit() *AuditLog {
	return audit
}

// Open starts writing events to a rotating file at path.
func (a *AuditLog) Open(path string, maxSizeMB, maxAgeDays int) error {
	w, err := logger.NewRotatingWriter(path, maxSizeMB, maxAgeDays, false)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		_ = a.closer.Close()
	}
	a.out = zerolog.New(w).With().Timestamp().Logger()
	a.closer = w
	return nil
}

// Record emits an audit event to the file, the metrics and the active span.
func (a *AuditLog) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	recordAuditEvent(event.Type, event.Status)

	traceID := tracing.GetTraceID(ctx)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Type, trace.WithAttributes(
			attribute.String("audit.action", event.Action),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.out.Log().
		Time("at", event.Timestamp).
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if traceID != "" {
		entry = entry.Str("trace_id", traceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Fields(event.Metadata)
	}
	entry.Send()
}

// Close stops writing to the file. Later events are dropped.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.out = zerolog.Nop()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// RecordProcessAudit records a process spawned on behalf of a session.
func RecordProcessAudit(ctx context.Context, sessionKey, path, status string, metadata map[string]interface{}) {
	audit.Record(ctx, AuditEvent{
		Type:     "process",
		Actor:    sessionKey,
		Action:   "spawn:" + path,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordPluginAudit records changes to the engine's plugin set.
func RecordPluginAudit(ctx context.Context, action, sessionKey, status string, metadata map[string]interface{}) {
	audit.Record(ctx, AuditEvent{
		Type:     "plugin",
		Actor:    sessionKey,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordSecurityAudit records authentication decisions at the engine edge.
func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	audit.Record(ctx, AuditEvent{
		Type:     "security",
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}
