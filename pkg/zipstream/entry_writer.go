package zipstream

import (
	"io"
)

// EntryWriter accepts the body bytes of a single archive entry. When
// the body is complete, Close computes the entry's checksum and sizes
// and writes the data descriptor record. Close is idempotent; closing
// an already closed writer is a no-op.
//
// A writer holds exclusive access to its Streamer for as long as it is
// open. No entries may be added and no second writer may be opened
// until it is closed or the entry is rolled back.
type EntryWriter interface {
	io.Writer

	// Close finalizes the entry body and writes the data
	// descriptor record to the archive.
	Close() error

	// DisposeOnFailure finalizes and releases any compressor state
	// without performing further writes to the archive. It is used
	// when producing the entry body failed and the entry is about
	// to be rolled back.
	DisposeOnFailure()
}

// countingWriter forwards writes to an underlying writer while
// counting the number of bytes that passed through. The underlying
// writer can be swapped out, which the deflated writer uses to
// redirect a compressor's final flush away from the archive on
// failure.
type countingWriter struct {
	w     io.Writer
	count uint64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.count += uint64(n)
	return n, err
}
