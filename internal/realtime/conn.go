package realtime

// Conn is one locally attached listener connection. It belongs to exactly
// one authenticated session and one channel. Implementations: the SSE
// handler adapter and test fakes.
type Conn interface {
	// Send pushes one serialized payload. Best-effort: a failed send is
	// logged and skipped by the dispatcher, never propagated upstream.
	Send(payload []byte) error
	// Open reports whether the underlying socket is still writable.
	Open() bool
	// Close tears the connection down. Must be idempotent.
	Close() error
}
