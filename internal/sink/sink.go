// Package sink provides the durable record sink for the relay.
//
// The data plane emits tool execution results, audit entries, and session
// analytics through a narrow fire-and-forget [Sink.Record] call. Writes are
// performed by a dedicated worker goroutine; transport failures land in a
// bounded retry buffer that is flushed on a periodic pulse. A sink failure
// never fails an HTTP request or a WebSocket send.
package sink

import "context"

// Kind classifies a durable record.
type Kind string

const (
	KindToolExecution    Kind = "tool_execution"
	KindAudit            Kind = "audit"
	KindSessionAnalytics Kind = "session_analytics"
	KindPendingLog       Kind = "pending_log"
)

// Writer is the transport behind a [Sink]. Implementations must be safe for
// concurrent use.
type Writer interface {
	// Write persists one record. It should respect ctx cancellation.
	Write(ctx context.Context, kind Kind, payload map[string]any) error
}

// NopWriter discards every record. Useful in tests and when no store is
// configured.
type NopWriter struct{}

// Write implements [Writer] by discarding the record.
func (NopWriter) Write(context.Context, Kind, map[string]any) error { return nil }
