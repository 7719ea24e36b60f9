package events

import (
	"context"
	"sync"
)

type bufferKey struct{}

// Buffer collects events raised inside an atomic unit so they can be published
// once the unit commits. Events recorded into a discarded unit are dropped.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

// WithBuffer attaches a fresh buffer to the context. When the context already
// carries a buffer the existing one is returned and owned is false, which lets
// nested units defer publication to the outermost caller.
func WithBuffer(ctx context.Context) (context.Context, *Buffer, bool) {
	if existing := BufferFrom(ctx); existing != nil {
		return ctx, existing, false
	}
	buf := &Buffer{}
	return context.WithValue(ctx, bufferKey{}, buf), buf, true
}

// BufferFrom returns the buffer carried by ctx or nil.
func BufferFrom(ctx context.Context) *Buffer {
	if ctx == nil {
		return nil
	}
	buf, _ := ctx.Value(bufferKey{}).(*Buffer)
	return buf
}

// Record appends evt to the buffer carried by ctx. It reports false when the
// context has no buffer attached.
func Record(ctx context.Context, evt Event) bool {
	buf := BufferFrom(ctx)
	if buf == nil || evt == nil {
		return false
	}
	buf.mu.Lock()
	buf.events = append(buf.events, evt)
	buf.mu.Unlock()
	return true
}

// Flush publishes the buffered events to emitter in recording order and
// empties the buffer.
func (b *Buffer) Flush(emitter Emitter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	pending := b.events
	b.events = nil
	b.mu.Unlock()
	if emitter == nil {
		return
	}
	for _, evt := range pending {
		emitter.Emit(evt)
	}
}

// Reset discards all buffered events.
func (b *Buffer) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
