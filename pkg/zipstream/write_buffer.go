package zipstream

import (
	"io"
)

// DefaultWriteBufferSizeBytes is the buffer capacity used by
// NewArchiveReader and ServeArchive. It is large enough to absorb the
// many small record writes the producer performs, so that sinks backed
// by sockets see a small number of large writes instead.
const DefaultWriteBufferSizeBytes = 64 * 1024

// WriteBuffer is a pass-through writer that coalesces writes up to a
// configured size. Writes that are larger than the capacity are
// forwarded directly after flushing, so that no oversized copies are
// made.
type WriteBuffer struct {
	w        io.Writer
	capacity int
	buf      []byte
}

// NewWriteBuffer creates a WriteBuffer with the provided capacity. A
// capacity that is zero or negative selects
// DefaultWriteBufferSizeBytes.
func NewWriteBuffer(w io.Writer, capacity int) *WriteBuffer {
	if capacity <= 0 {
		capacity = DefaultWriteBufferSizeBytes
	}
	return &WriteBuffer{
		w:        w,
		capacity: capacity,
		buf:      make([]byte, 0, capacity),
	}
}

func (b *WriteBuffer) Write(p []byte) (int, error) {
	if len(b.buf)+len(p) > b.capacity {
		if err := b.Flush(); err != nil {
			return 0, err
		}
		if len(p) > b.capacity {
			return b.w.Write(p)
		}
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Flush forwards all buffered bytes to the underlying writer.
func (b *WriteBuffer) Flush() error {
	if len(b.buf) == 0 {
		return nil
	}
	_, err := b.w.Write(b.buf)
	b.buf = b.buf[:0]
	return err
}

// Close flushes the remaining buffered bytes and closes the underlying
// writer if it supports closing. The underlying writer is not closed
// when flushing fails, so that the caller can still report the error
// through it.
func (b *WriteBuffer) Close() error {
	if err := b.Flush(); err != nil {
		return err
	}
	if c, ok := b.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
