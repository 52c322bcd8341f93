package zipstream

import (
	"io"

	"github.com/buildbarn/bb-zipstream/pkg/checksum"
	"github.com/klauspost/compress/flate"
)

// deflatedEntryWriter pushes entry body bytes through a raw DEFLATE
// compressor, forwarding the compressed stream to the archive. The
// checksum is computed over the uncompressed bytes.
type deflatedEntryWriter struct {
	streamer          *Streamer
	compressedOut     countingWriter
	compressor        *flate.Writer
	crc               checksum.CRC32Accumulator
	uncompressedBytes uint64
	closed            bool
}

func newDeflatedEntryWriter(streamer *Streamer) *deflatedEntryWriter {
	w := &deflatedEntryWriter{
		streamer:      streamer,
		compressedOut: countingWriter{w: streamer.sink},
	}
	w.compressor, _ = flate.NewWriter(&w.compressedOut, flate.DefaultCompression)
	return w
}

func (w *deflatedEntryWriter) Write(p []byte) (int, error) {
	n, err := w.compressor.Write(p)
	w.crc.Update(p[:n])
	w.uncompressedBytes += uint64(n)
	return n, err
}

func (w *deflatedEntryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.compressor.Close(); err != nil {
		return err
	}
	if err := w.streamer.UpdateLastEntryAndWriteDataDescriptor(w.crc.Sum32(), w.compressedOut.count, w.uncompressedBytes); err != nil {
		return err
	}
	w.streamer.currentWriter = nil
	return nil
}

// DisposeOnFailure finishes the compressor into a discarding writer,
// so that its pending output cannot corrupt the archive, and marks the
// writer closed.
func (w *deflatedEntryWriter) DisposeOnFailure() {
	if w.closed {
		return
	}
	w.closed = true
	w.compressedOut.w = io.Discard
	w.compressor.Close()
}
