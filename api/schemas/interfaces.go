package schemas

import "context"

// -- Engine Interfaces --

// CancelToken is the cooperative cancellation primitive threaded through the
// Reader and Runner. It is a write-once signal, read many times; observers
// poll Cancelled between Units or select on Done. Never a forced interrupt.
type CancelToken interface {
	// Cancelled reports whether cancellation has been requested.
	Cancelled() bool
	// Done is closed when cancellation is requested.
	Done() <-chan struct{}
}

// EventSink receives progress events from worker goroutines. Emit blocks
// when the consumer is slow: back-pressure is preferred over dropping
// events, even if it slows scanning down.
type EventSink interface {
	Emit(ev ProgressEvent)
}

// Coordinator is the engine's sole public entry point, consumed by the
// transport layer and the CLI.
type Coordinator interface {
	// Execute resolves the request's paths, fans out one job per insight id,
	// and returns the merged event stream plus a promise of the final
	// aggregated summary. The event channel is exhausted exactly when every
	// job has reached a terminal state; the summary channel then yields once.
	Execute(ctx context.Context, req ExecutionRequest) (<-chan ProgressEvent, <-chan *ExecutionSummary, error)
	// Cancel requests cooperative abort of every job of a request. Idempotent;
	// cancelling an unknown or finished request is a no-op.
	Cancel(requestID string)
}

// InsightSource supplies the closed, pre-validated spec registry at startup.
// The engine treats its output as read-only and only discovers matcher
// compile errors lazily at first use.
type InsightSource interface {
	Get(id string) (InsightSpec, bool)
	List() []InsightSpec
}
