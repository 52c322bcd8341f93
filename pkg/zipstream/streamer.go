package zipstream

import (
	"io"
	"strings"

	"github.com/buildbarn/bb-zipstream/pkg/clock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type streamerState int

const (
	// No local file header has been written yet.
	streamerStateInitial streamerState = iota
	// A local file header has been written; body bytes for that
	// entry may still be produced.
	streamerStateEntryBody
	// The data descriptor of the last entry has been written; the
	// next record is either a local file header or the central
	// directory.
	streamerStateDataDescriptors
	// The central directory and end-of-central-directory records
	// have been written. The Streamer is terminal.
	streamerStateClosed
)

// archiveItem is an element of the ordered list of byte spans that
// have been emitted into the archive. It either references an entry
// that will appear in the central directory, or a filler: the inert
// remains of a rolled-back entry, which still occupies space in the
// output and must be accounted for when computing offsets.
type archiveItem struct {
	entry      *Entry
	fillerSize uint64
}

func (i *archiveItem) totalBytesUsed() uint64 {
	if i.entry != nil {
		return i.entry.totalBytesUsed()
	}
	return i.fillerSize
}

// StreamerOptions contains optional configuration for NewStreamer.
type StreamerOptions struct {
	// AutoRenameDuplicateFilenames causes files whose name is
	// already taken to be renamed by inserting a " (1)", " (2)", …
	// suffix in front of the extension, instead of failing.
	AutoRenameDuplicateFilenames bool

	// ZipWriter overrides the record serializer. The default
	// serializer produced by NewZipWriter is used when nil.
	ZipWriter ZipWriter

	// Clock provides the default modification time for entries
	// that don't carry one. clock.SystemClock is used when nil.
	Clock clock.Clock
}

// Streamer produces a ZIP archive on an append-only byte sink. It
// never seeks or rewinds: entries are emitted in order as local file
// header, body and optional data descriptor, and the central directory
// plus end-of-central-directory records follow when Close is called.
// The total archive size, per-entry compressed sizes and checksums
// never need to be known up front.
//
// A Streamer must not be used concurrently from multiple goroutines.
// Independent Streamers writing to independent sinks require no
// synchronization.
type Streamer struct {
	sink       *PositionTrackingWriter
	zipWriter  ZipWriter
	clock      clock.Clock
	autoRename bool

	pathSet               *PathSet
	items                 []archiveItem
	state                 streamerState
	currentWriter         EntryWriter
	offsetBeforeLastEntry uint64
	removeEntryOnRollback bool
}

// NewStreamer creates a Streamer that writes a ZIP archive to the
// provided sink. Closing the Streamer does not close the sink; the
// sink's lifecycle remains owned by the caller.
func NewStreamer(w io.Writer, options *StreamerOptions) (*Streamer, error) {
	if w == nil {
		return nil, status.Error(codes.InvalidArgument, "Output writer is nil; the Streamer needs a byte sink that accepts writes")
	}
	s := &Streamer{
		sink:      NewPositionTrackingWriter(w),
		zipWriter: NewZipWriter(),
		clock:     clock.SystemClock,
		pathSet:   NewPathSet(),
	}
	if options != nil {
		s.autoRename = options.AutoRenameDuplicateFilenames
		if options.ZipWriter != nil {
			s.zipWriter = options.ZipWriter
		}
		if options.Clock != nil {
			s.clock = options.Clock
		}
	}
	return s, nil
}

// sanitizeFilename replaces backslashes, which are not valid path
// separators inside ZIP archives, before any path bookkeeping is
// performed.
func sanitizeFilename(filename string) string {
	return strings.ReplaceAll(filename, "\\", "_")
}

func (s *Streamer) checkCanStartEntry() error {
	if s.state == streamerStateClosed {
		return status.Error(codes.FailedPrecondition, "The archive has already been closed")
	}
	if s.currentWriter != nil {
		return status.Error(codes.FailedPrecondition, "An entry body is still being written; close its writer before performing other operations")
	}
	return nil
}

func (s *Streamer) checkStorageMode(storageMode StorageMode) error {
	switch storageMode {
	case StorageModeStored, StorageModeDeflated:
		return nil
	default:
		return status.Errorf(codes.InvalidArgument, "Unknown storage mode %d; only stored (0) and deflated (8) entries can be produced", storageMode)
	}
}

// reservePath records the entry's path in the path set, applying
// automatic renaming of duplicate files when enabled. It returns the
// filename that was reserved.
func (s *Streamer) reservePath(filename string, isDirectory bool) (string, error) {
	if isDirectory {
		return filename, s.pathSet.AddDirectoryPath(strings.TrimSuffix(filename, "/"))
	}
	if s.autoRename {
		filename = uniquifyFilename(filename, s.pathSet.Contains)
	}
	return filename, s.pathSet.AddFilePath(filename)
}

// appendEntry reserves the entry's path, writes its local file header
// and appends it to the entry list. The sink offset prior to the
// header is remembered, so that Rollback can turn the entry's bytes
// into a filler.
func (s *Streamer) appendEntry(entry *Entry) error {
	if err := s.checkStorageMode(entry.StorageMode); err != nil {
		return err
	}
	if err := checkFilenameLength(entry.Filename); err != nil {
		return err
	}
	filename, err := s.reservePath(entry.Filename, entry.IsDirectory())
	if err != nil {
		return err
	}
	entry.Filename = filename
	if entry.ModificationTime.IsZero() {
		entry.ModificationTime = s.clock.Now()
	}

	offsetBefore := s.sink.Tell()
	entry.LocalHeaderOffset = offsetBefore
	if err := s.zipWriter.WriteLocalFileHeader(s.sink, entry); err != nil {
		return err
	}
	entry.BytesUsedForLocalHeader = s.sink.Tell() - offsetBefore
	s.offsetBeforeLastEntry = offsetBefore
	s.items = append(s.items, archiveItem{entry: entry})
	s.removeEntryOnRollback = true
	s.state = streamerStateEntryBody
	return nil
}

// AddStoredEntry writes a local file header for an entry whose body
// will be stored without compression. The body bytes themselves are
// not written by this call; the caller either sends them through the
// sink out-of-band (followed by SimulateWrite), or declared them
// entirely through size and crc32 before copying them. The current
// sink offset is returned.
func (s *Streamer) AddStoredEntry(filename string, sizeBytes uint64, crc32 uint32, options EntryOptions) (uint64, error) {
	if err := s.checkCanStartEntry(); err != nil {
		return 0, err
	}
	err := s.appendEntry(&Entry{
		Filename:          sanitizeFilename(filename),
		CRC32:             crc32,
		CompressedSize:    sizeBytes,
		UncompressedSize:  sizeBytes,
		StorageMode:       StorageModeStored,
		ModificationTime:  options.ModificationTime,
		UnixPermissions:   options.UnixPermissions,
		UseDataDescriptor: options.UseDataDescriptor,
	})
	return s.sink.Tell(), err
}

// AddDeflatedEntry writes a local file header for an entry whose body
// is a raw DEFLATE stream that the caller produces out-of-band. The
// current sink offset is returned.
func (s *Streamer) AddDeflatedEntry(filename string, compressedSizeBytes, uncompressedSizeBytes uint64, crc32 uint32, options EntryOptions) (uint64, error) {
	if err := s.checkCanStartEntry(); err != nil {
		return 0, err
	}
	err := s.appendEntry(&Entry{
		Filename:          sanitizeFilename(filename),
		CRC32:             crc32,
		CompressedSize:    compressedSizeBytes,
		UncompressedSize:  uncompressedSizeBytes,
		StorageMode:       StorageModeDeflated,
		ModificationTime:  options.ModificationTime,
		UnixPermissions:   options.UnixPermissions,
		UseDataDescriptor: options.UseDataDescriptor,
	})
	return s.sink.Tell(), err
}

// AddEmptyDirectory adds a directory entry. Directories have no body;
// a trailing slash is appended to the filename if it is not already
// present. The current sink offset is returned.
func (s *Streamer) AddEmptyDirectory(filename string, options EntryOptions) (uint64, error) {
	if err := s.checkCanStartEntry(); err != nil {
		return 0, err
	}
	filename = sanitizeFilename(filename)
	if !strings.HasSuffix(filename, "/") {
		filename += "/"
	}
	err := s.appendEntry(&Entry{
		Filename:         filename,
		StorageMode:      StorageModeStored,
		ModificationTime: options.ModificationTime,
		UnixPermissions:  options.UnixPermissions,
	})
	return s.sink.Tell(), err
}

// SimulateWrite advances the offset accounting by n bytes without
// writing anything. It must be called when entry body bytes reach the
// underlying sink through a bypass such as sendfile(), so that the
// offsets of all subsequent records remain correct. The new sink
// offset is returned.
func (s *Streamer) SimulateWrite(n uint64) (uint64, error) {
	if s.state != streamerStateEntryBody {
		return 0, status.Error(codes.FailedPrecondition, "Writes can only be simulated while an entry body is expected")
	}
	if s.currentWriter != nil {
		return 0, status.Error(codes.FailedPrecondition, "Writes cannot be simulated while an entry body writer is open")
	}
	s.sink.AdvanceBy(n)
	return s.sink.Tell(), nil
}

// openEntryWriter appends an entry that uses a data descriptor and
// creates the writer for its body. The caller is responsible for
// tracking the writer's exclusivity.
func (s *Streamer) openEntryWriter(filename string, storageMode StorageMode, options EntryOptions) (EntryWriter, error) {
	entry := &Entry{
		Filename:          sanitizeFilename(filename),
		StorageMode:       storageMode,
		ModificationTime:  options.ModificationTime,
		UnixPermissions:   options.UnixPermissions,
		UseDataDescriptor: true,
	}
	if err := s.appendEntry(entry); err != nil {
		return nil, err
	}
	if storageMode == StorageModeDeflated {
		return newDeflatedEntryWriter(s), nil
	}
	return &storedEntryWriter{streamer: s}, nil
}

// WriteStoredFile starts a file entry whose body is stored without
// compression and returns a writer for its body. The entry's checksum
// and sizes are discovered as bytes flow and recorded in a data
// descriptor when the writer is closed.
func (s *Streamer) WriteStoredFile(filename string, options EntryOptions) (EntryWriter, error) {
	if err := s.checkCanStartEntry(); err != nil {
		return nil, err
	}
	w, err := s.openEntryWriter(filename, StorageModeStored, options)
	if err != nil {
		return nil, err
	}
	s.currentWriter = w
	return w, nil
}

// WriteDeflatedFile starts a file entry whose body is compressed with
// DEFLATE and returns a writer for its body.
func (s *Streamer) WriteDeflatedFile(filename string, options EntryOptions) (EntryWriter, error) {
	if err := s.checkCanStartEntry(); err != nil {
		return nil, err
	}
	w, err := s.openEntryWriter(filename, StorageModeDeflated, options)
	if err != nil {
		return nil, err
	}
	s.currentWriter = w
	return w, nil
}

// WriteFile starts a file entry whose storage mode is selected
// automatically: the start of the body is buffered and test-compressed,
// and the entry is deflated only if that makes it meaningfully
// smaller. Nothing is written to the archive until the decision is
// taken, so the local file header carries the selected mode.
func (s *Streamer) WriteFile(filename string, options EntryOptions) (EntryWriter, error) {
	if err := s.checkCanStartEntry(); err != nil {
		return nil, err
	}
	w := newHeuristicEntryWriter(s, filename, options)
	// Until the heuristic commits, no entry belonging to this
	// operation exists; a rollback must not remove a predecessor.
	s.offsetBeforeLastEntry = s.sink.Tell()
	s.removeEntryOnRollback = false
	s.currentWriter = w
	return w, nil
}

// runEntryBody implements the callback forms of the Write*File
// methods. If the callback or the writer's close fails, the writer is
// disposed of and the entry is rolled back, after which the original
// error is returned.
func (s *Streamer) runEntryBody(w EntryWriter, body func(io.Writer) error) error {
	if err := body(w); err != nil {
		w.DisposeOnFailure()
		s.Rollback()
		return err
	}
	if err := w.Close(); err != nil {
		w.DisposeOnFailure()
		s.Rollback()
		return err
	}
	return nil
}

// WriteStoredFileFunc invokes a callback with a writer for a stored
// file entry's body and closes the writer afterwards. If the callback
// returns an error, the entry is rolled back and the archive remains
// structurally valid; the error is returned unchanged.
func (s *Streamer) WriteStoredFileFunc(filename string, options EntryOptions, body func(io.Writer) error) error {
	w, err := s.WriteStoredFile(filename, options)
	if err != nil {
		return err
	}
	return s.runEntryBody(w, body)
}

// WriteDeflatedFileFunc is the callback form of WriteDeflatedFile,
// with the same cleanup semantics as WriteStoredFileFunc.
func (s *Streamer) WriteDeflatedFileFunc(filename string, options EntryOptions, body func(io.Writer) error) error {
	w, err := s.WriteDeflatedFile(filename, options)
	if err != nil {
		return err
	}
	return s.runEntryBody(w, body)
}

// WriteFileFunc is the callback form of WriteFile, with the same
// cleanup semantics as WriteStoredFileFunc.
func (s *Streamer) WriteFileFunc(filename string, options EntryOptions, body func(io.Writer) error) error {
	w, err := s.WriteFile(filename, options)
	if err != nil {
		return err
	}
	return s.runEntryBody(w, body)
}

// UpdateLastEntryAndWriteDataDescriptor patches the checksum and sizes
// of the most recently added entry and emits its data descriptor
// record. Entry body writers call this when they are closed; it can
// also be called directly after producing a data-descriptor entry's
// body out-of-band.
func (s *Streamer) UpdateLastEntryAndWriteDataDescriptor(crc32 uint32, compressedSizeBytes, uncompressedSizeBytes uint64) error {
	if s.state != streamerStateEntryBody {
		return status.Error(codes.FailedPrecondition, "A data descriptor can only be written directly after an entry body")
	}
	entry := s.items[len(s.items)-1].entry
	if entry == nil || !entry.UseDataDescriptor {
		return status.Error(codes.FailedPrecondition, "The last entry was not configured to use a data descriptor")
	}
	if entry.StorageMode == StorageModeStored && compressedSizeBytes != uncompressedSizeBytes {
		return status.Errorf(codes.InvalidArgument, "Stored entry %#v was declared with %d bytes, but %d bytes were written", entry.Filename, uncompressedSizeBytes, compressedSizeBytes)
	}
	entry.CRC32 = crc32
	entry.CompressedSize = compressedSizeBytes
	entry.UncompressedSize = uncompressedSizeBytes

	offsetBefore := s.sink.Tell()
	if err := s.zipWriter.WriteDataDescriptor(s.sink, entry); err != nil {
		return err
	}
	entry.BytesUsedForDataDescriptor = s.sink.Tell() - offsetBefore
	s.state = streamerStateDataDescriptors
	return nil
}

// rebuildPathSet reconstructs the path bookkeeping from the surviving
// entries after one of them was removed. Fillers carry no path.
func (s *Streamer) rebuildPathSet() {
	s.pathSet.Clear()
	for _, item := range s.items {
		if item.entry == nil {
			continue
		}
		if item.entry.IsDirectory() {
			s.pathSet.AddDirectoryPath(strings.TrimSuffix(item.entry.Filename, "/"))
		} else {
			s.pathSet.AddFilePath(item.entry.Filename)
		}
	}
}

// Rollback discards the most recently added entry. No bytes are
// removed from the sink — the archive is append-only — so the span the
// entry occupied is replaced by a filler, which keeps the offsets of
// all subsequent entries correct while excluding the discarded entry
// from the central directory. The entry's filename becomes available
// again.
func (s *Streamer) Rollback() error {
	if s.state == streamerStateClosed {
		return status.Error(codes.FailedPrecondition, "The archive has already been closed")
	}
	s.currentWriter = nil
	if s.removeEntryOnRollback {
		s.removeEntryOnRollback = false
		if len(s.items) > 0 && s.items[len(s.items)-1].entry != nil {
			s.items = s.items[:len(s.items)-1]
			s.rebuildPathSet()
		}
	}
	if fillerSize := s.sink.Tell() - s.offsetBeforeLastEntry; fillerSize > 0 {
		s.items = append(s.items, archiveItem{fillerSize: fillerSize})
	}
	s.offsetBeforeLastEntry = s.sink.Tell()
	if s.state != streamerStateInitial {
		s.state = streamerStateDataDescriptors
	}
	return nil
}

// verifyOffsets checks that the byte spans attributed to entries and
// fillers add up to the actual sink position. A mismatch means body
// bytes were sent past the Streamer without a matching SimulateWrite
// call, which would corrupt every subsequent offset in the central
// directory.
func (s *Streamer) verifyOffsets() error {
	var expected uint64
	for i := range s.items {
		expected += s.items[i].totalBytesUsed()
	}
	if actual := s.sink.Tell(); expected != actual {
		return status.Errorf(codes.FailedPrecondition, "Entries add up to %d bytes and the IO is at %d bytes. This can happen when entry bodies are written to the destination directly without calling SimulateWrite() for the bytes that bypassed the Streamer", expected, actual)
	}
	return nil
}

// Close writes the central directory and end-of-central-directory
// records, after which the archive on the sink is complete. The
// underlying sink is not closed. The final archive size is returned.
// The Streamer is terminal afterwards.
func (s *Streamer) Close() (uint64, error) {
	if err := s.checkCanStartEntry(); err != nil {
		return 0, err
	}
	if err := s.verifyOffsets(); err != nil {
		return 0, err
	}

	centralDirectoryOffset := s.sink.Tell()
	var entryCount uint64
	for _, item := range s.items {
		if item.entry == nil {
			continue
		}
		if err := s.zipWriter.WriteCentralDirectoryFileHeader(s.sink, item.entry); err != nil {
			return 0, err
		}
		entryCount++
	}
	centralDirectorySize := s.sink.Tell() - centralDirectoryOffset
	if err := s.zipWriter.WriteEndOfCentralDirectory(s.sink, centralDirectoryOffset, centralDirectorySize, entryCount, ""); err != nil {
		return 0, err
	}

	s.state = streamerStateClosed
	s.items = nil
	s.pathSet.Clear()
	return s.sink.Tell(), nil
}

// Tell returns the current sink offset.
func (s *Streamer) Tell() uint64 {
	return s.sink.Tell()
}
