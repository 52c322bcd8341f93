package zipstream

import (
	"io"
)

// NewArchiveReader turns the push-based Streamer into a pull-based
// byte stream, suitable for use as an HTTP response body or anywhere
// else an io.Reader is expected. The producer callback runs in a
// separate goroutine and is suspended whenever the consumer stops
// reading. Small writes are coalesced into chunks of up to
// DefaultWriteBufferSizeBytes, while larger writes are passed on
// unsplit; every Read copies into the caller's buffer, so consumed
// chunks never share memory.
//
// Errors returned by the producer, by Streamer.Close() or by the
// streamer construction itself are delivered to the consumer through
// the reader. Closing the reader abandons the producer; the archive
// bytes emitted so far are discarded.
func NewArchiveReader(produce func(*Streamer) error, options *StreamerOptions) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		buffer := NewWriteBuffer(pw, DefaultWriteBufferSizeBytes)
		streamer, err := NewStreamer(buffer, options)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := produce(streamer); err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := streamer.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		// Closing the buffer flushes the final chunk and closes
		// the pipe, delivering EOF to the consumer.
		if err := buffer.Close(); err != nil {
			pw.CloseWithError(err)
		}
	}()
	return pr
}
