package vm

import (
	"errors"
	"fmt"
)

// PostBufferSize is the capacity of the outgoing post buffer.
const PostBufferSize = 2 * 1024 * 1024

// ErrPostTooLarge is returned when a single push exceeds total capacity.
var ErrPostTooLarge = errors.New("post data exceeds buffer capacity")

// PostSink transmits a flushed batch of post data. Injected at construction
// so the buffer stays decoupled from the transport's concrete protocol.
type PostSink func(data []byte) error

// PostBuffer accumulates outgoing instrumentation bytes and hands them to
// the sink in batches. The occupied size never exceeds the capacity: a push
// that would overflow flushes first.
type PostBuffer struct {
	buf  []byte
	sink PostSink
}

// NewPostBuffer creates a post buffer with the given capacity. A capacity
// of zero uses PostBufferSize.
func NewPostBuffer(capacity int, sink PostSink) *PostBuffer {
	if capacity <= 0 {
		capacity = PostBufferSize
	}
	return &PostBuffer{
		buf:  make([]byte, 0, capacity),
		sink: sink,
	}
}

// Len returns the number of buffered bytes.
func (p *PostBuffer) Len() int {
	return len(p.buf)
}

// Push appends data, flushing first if the buffer cannot accommodate it.
// Data larger than the total capacity fails without partial buffering.
func (p *PostBuffer) Push(data []byte) error {
	if len(data) > cap(p.buf) {
		return fmt.Errorf("%w: %d bytes (capacity %d)", ErrPostTooLarge, len(data), cap(p.buf))
	}
	if len(p.buf)+len(data) > cap(p.buf) {
		if err := p.Flush(); err != nil {
			return err
		}
	}
	p.buf = append(p.buf, data...)
	return nil
}

// Flush transmits the buffered bytes through the sink and resets the
// buffer. Transport failures propagate to the caller.
func (p *PostBuffer) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	data := p.buf
	p.buf = p.buf[:0]
	if err := p.sink(data); err != nil {
		return fmt.Errorf("post flush: %w", err)
	}
	return nil
}
