package tilecache

import "fmt"

// Sink receives engine log events. Implementations must be safe for
// concurrent use: events arrive from load and request goroutines alike.
type Sink interface {
	Log(level Level, message string)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(level Level, message string)

// Log calls f.
func (f SinkFunc) Log(level Level, message string) { f(level, message) }

// LogFunc is the emit hook handed to the engine.
type LogFunc func(level Level, message string)

// Logf formats and emits through fn. A nil fn is a no-op.
func (fn LogFunc) Logf(level Level, format string, args ...any) {
	if fn == nil {
		return
	}
	fn(level, fmt.Sprintf(format, args...))
}

// bridge forwards engine events to at most one sink. It does not buffer,
// filter or rate limit.
type bridge struct {
	sink Sink
}

func newBridge(sink Sink) *bridge {
	return &bridge{sink: sink}
}

func (b *bridge) emit(level Level, message string) {
	if b == nil || b.sink == nil {
		return
	}
	b.sink.Log(level, message)
}
