package zipstream

import (
	"github.com/buildbarn/bb-zipstream/pkg/checksum"
)

// storedEntryWriter forwards entry body bytes to the archive verbatim,
// tracking the checksum and byte count needed for the data descriptor.
type storedEntryWriter struct {
	streamer     *Streamer
	crc          checksum.CRC32Accumulator
	bytesWritten uint64
	closed       bool
}

func (w *storedEntryWriter) Write(p []byte) (int, error) {
	n, err := w.streamer.sink.Write(p)
	w.crc.Update(p[:n])
	w.bytesWritten += uint64(n)
	return n, err
}

func (w *storedEntryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.streamer.UpdateLastEntryAndWriteDataDescriptor(w.crc.Sum32(), w.bytesWritten, w.bytesWritten); err != nil {
		return err
	}
	w.streamer.currentWriter = nil
	return nil
}

func (w *storedEntryWriter) DisposeOnFailure() {
	w.closed = true
}
