package zipstream

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	// heuristicBufferSizeBytes is the amount of entry body data
	// that is buffered before deciding between stored and deflated
	// storage.
	heuristicBufferSizeBytes = 128 * 1024

	// minimumViableCompressionRatio is the highest ratio of
	// compressed to uncompressed size for which deflating the
	// entry is still considered worthwhile.
	minimumViableCompressionRatio = 0.75
)

// heuristicEntryWriter buffers the start of an entry body while
// deflating a parallel copy through a private compressor whose output
// is discarded. Once enough data has been seen, or the entry is
// closed, it measures how well the data compressed and commits to
// either a stored or a deflated entry. The buffered bytes are replayed
// into the committed writer and all further bytes are forwarded to it
// directly. Nothing is written to the archive before the decision is
// taken.
type heuristicEntryWriter struct {
	streamer *Streamer
	filename string
	options  EntryOptions

	buffer    bytes.Buffer
	probeSize countingWriter
	probe     *flate.Writer

	committed EntryWriter
	closed    bool
}

func newHeuristicEntryWriter(streamer *Streamer, filename string, options EntryOptions) *heuristicEntryWriter {
	w := &heuristicEntryWriter{
		streamer:  streamer,
		filename:  filename,
		options:   options,
		probeSize: countingWriter{w: io.Discard},
	}
	w.probe, _ = flate.NewWriter(&w.probeSize, flate.DefaultCompression)
	return w
}

func (w *heuristicEntryWriter) Write(p []byte) (int, error) {
	written := 0
	for w.committed == nil && len(p) > 0 {
		take := heuristicBufferSizeBytes - w.buffer.Len()
		if take > len(p) {
			take = len(p)
		}
		w.buffer.Write(p[:take])
		if _, err := w.probe.Write(p[:take]); err != nil {
			return written, err
		}
		written += take
		p = p[take:]
		if w.buffer.Len() >= heuristicBufferSizeBytes {
			if err := w.commit(); err != nil {
				return written, err
			}
		}
	}
	if len(p) > 0 {
		n, err := w.committed.Write(p)
		written += n
		return written, err
	}
	return written, nil
}

// commit measures the probe's compression ratio, selects the storage
// mode, writes the local file header and replays the buffered bytes.
func (w *heuristicEntryWriter) commit() error {
	if err := w.probe.Close(); err != nil {
		return err
	}

	// An empty body compresses into a nonzero number of bytes, so
	// deflating it can never be beneficial.
	useDeflate := false
	if bufferedBytes := w.buffer.Len(); bufferedBytes > 0 {
		ratio := float64(w.probeSize.count) / float64(bufferedBytes)
		useDeflate = ratio <= minimumViableCompressionRatio
	}

	storageMode := StorageModeStored
	if useDeflate {
		storageMode = StorageModeDeflated
	}
	committed, err := w.streamer.openEntryWriter(w.filename, storageMode, w.options)
	if err != nil {
		return err
	}
	if _, err := committed.Write(w.buffer.Bytes()); err != nil {
		committed.DisposeOnFailure()
		return err
	}
	w.buffer.Reset()
	w.committed = committed
	return nil
}

func (w *heuristicEntryWriter) Close() error {
	if w.closed {
		return nil
	}
	if w.committed == nil {
		if err := w.commit(); err != nil {
			return err
		}
	}
	w.closed = true
	return w.committed.Close()
}

func (w *heuristicEntryWriter) DisposeOnFailure() {
	if w.closed {
		return
	}
	w.closed = true
	if w.committed == nil {
		// The probe compressor only ever wrote to a discarding
		// writer; finish it to release its state.
		w.probe.Close()
		return
	}
	w.committed.DisposeOnFailure()
}
