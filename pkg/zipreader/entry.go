package zipreader

import (
	"io"
	"io/fs"
	"time"

	"github.com/klauspost/compress/flate"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// StorageModeStored identifies entry bodies stored without
	// compression.
	StorageModeStored uint16 = 0
	// StorageModeDeflated identifies entry bodies compressed with
	// raw DEFLATE.
	StorageModeDeflated uint16 = 8
)

// Entry is a single file or directory parsed out of an archive's
// central directory (or, for ReadStraightAhead, out of its local file
// headers).
type Entry struct {
	// Filename of the entry. Directories carry a trailing slash.
	Filename string
	// Comment attached to the entry in the central directory.
	Comment string

	CRC32               uint32
	CompressedSize      uint64
	UncompressedSize    uint64
	StorageMode         uint16
	GeneralPurposeFlags uint16
	ModificationTime    time.Time

	// ExternalAttributes as recorded in the central directory.
	// For archives produced on UNIX, the high sixteen bits carry
	// the file type and permission bits.
	ExternalAttributes uint32

	// Extras holds the entry's raw extra field blob. The Zip64 and
	// extended timestamp extras have already been applied to the
	// fields above.
	Extras []byte

	// LocalHeaderOffset is the archive offset of the entry's local
	// file header.
	LocalHeaderOffset uint64

	source               io.ReaderAt
	localHeaderRead      bool
	compressedDataOffset uint64
}

// IsDirectory returns whether the entry denotes a directory, which the
// ZIP format expresses through a trailing slash on the filename.
func (e *Entry) IsDirectory() bool {
	return len(e.Filename) > 0 && e.Filename[len(e.Filename)-1] == '/'
}

// UsesDataDescriptor returns whether a data descriptor record follows
// the entry's body.
func (e *Entry) UsesDataDescriptor() bool {
	return e.GeneralPurposeFlags&0x8 != 0
}

// UnixPermissions returns the permission bits recorded in the entry's
// external attributes.
func (e *Entry) UnixPermissions() fs.FileMode {
	return fs.FileMode(e.ExternalAttributes>>16) & 0o777
}

// CompressedDataOffset returns the archive offset at which the entry's
// body starts. It is only known after the entry's local file header
// has been read, as the local header's filename and extra fields may
// differ in size from those in the central directory.
func (e *Entry) CompressedDataOffset() (uint64, error) {
	if !e.localHeaderRead {
		return 0, status.Errorf(codes.FailedPrecondition, "The local file header of %#v has not been read; its body offset is not known yet", e.Filename)
	}
	return e.compressedDataOffset, nil
}

// Open returns a reader for the entry's decompressed body. The reader
// is bounded by the entry's compressed size and will never consume
// bytes beyond it. The checksum is not verified; callers that need
// integrity checking can feed the returned reader through a
// checksum.CRC32Accumulator.
func (e *Entry) Open() (io.ReadCloser, error) {
	compressedDataOffset, err := e.CompressedDataOffset()
	if err != nil {
		return nil, err
	}
	section := io.NewSectionReader(e.source, int64(compressedDataOffset), int64(e.CompressedSize))
	switch e.StorageMode {
	case StorageModeStored:
		return io.NopCloser(section), nil
	case StorageModeDeflated:
		return flate.NewReader(section), nil
	default:
		return nil, status.Errorf(codes.Unimplemented, "Entry %#v uses unsupported storage mode %d", e.Filename, e.StorageMode)
	}
}
