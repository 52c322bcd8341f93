package zipstream

import (
	"io"

	"github.com/buildbarn/bb-zipstream/pkg/util"
)

// SizeEstimator computes the exact size of an archive without
// producing it. It drives a regular Streamer over a discarding sink,
// so every header, data descriptor and central directory byte is
// accounted for by the same code that would later produce the real
// archive. Only entry metadata is needed; body bytes are simulated.
type SizeEstimator struct {
	streamer *Streamer
}

// AddStoredEntry accounts for a file entry of sizeBytes that is stored
// without compression.
func (e *SizeEstimator) AddStoredEntry(filename string, sizeBytes uint64, useDataDescriptor bool) error {
	if _, err := e.streamer.AddStoredEntry(filename, sizeBytes, 0, EntryOptions{
		UseDataDescriptor: useDataDescriptor,
	}); err != nil {
		return err
	}
	if _, err := e.streamer.SimulateWrite(sizeBytes); err != nil {
		return err
	}
	if useDataDescriptor {
		return e.streamer.UpdateLastEntryAndWriteDataDescriptor(0, sizeBytes, sizeBytes)
	}
	return nil
}

// AddDeflatedEntry accounts for a file entry whose DEFLATE stream is
// compressedSizeBytes long.
func (e *SizeEstimator) AddDeflatedEntry(filename string, compressedSizeBytes, uncompressedSizeBytes uint64, useDataDescriptor bool) error {
	if _, err := e.streamer.AddDeflatedEntry(filename, compressedSizeBytes, uncompressedSizeBytes, 0, EntryOptions{
		UseDataDescriptor: useDataDescriptor,
	}); err != nil {
		return err
	}
	if _, err := e.streamer.SimulateWrite(compressedSizeBytes); err != nil {
		return err
	}
	if useDataDescriptor {
		return e.streamer.UpdateLastEntryAndWriteDataDescriptor(0, compressedSizeBytes, uncompressedSizeBytes)
	}
	return nil
}

// AddEmptyDirectory accounts for a directory entry.
func (e *SizeEstimator) AddEmptyDirectory(filename string) error {
	_, err := e.streamer.AddEmptyDirectory(filename, EntryOptions{})
	return err
}

// EstimateArchiveSize returns the byte size of the archive that a
// Streamer would produce for the entries declared by the script. The
// result is exact, not an approximation.
func EstimateArchiveSize(script func(*SizeEstimator) error) (uint64, error) {
	streamer := util.Must(NewStreamer(io.Discard, nil))
	if err := script(&SizeEstimator{streamer: streamer}); err != nil {
		return 0, err
	}
	return streamer.Close()
}
