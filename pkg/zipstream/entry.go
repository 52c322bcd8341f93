package zipstream

import (
	"io/fs"
	"strings"
	"time"
)

// StorageMode identifies how the body of an entry is stored inside the
// archive.
type StorageMode uint16

const (
	// StorageModeStored indicates that the body is stored without
	// compression.
	StorageModeStored StorageMode = 0
	// StorageModeDeflated indicates that the body is compressed
	// using raw DEFLATE.
	StorageModeDeflated StorageMode = 8
)

// EntryOptions contains the optional attributes of an entry that is
// added to a Streamer.
type EntryOptions struct {
	// ModificationTime is recorded in the entry's headers. The
	// zero value selects the current time, as reported by the
	// Streamer's clock.
	ModificationTime time.Time

	// UnixPermissions are placed into the entry's external
	// attributes. Only the bits covered by 0o7777 are used. A zero value
	// selects 0o644 for files and 0o755 for directories.
	UnixPermissions fs.FileMode

	// UseDataDescriptor causes the local file header to be written
	// with zeroed CRC32 and size fields, followed by a data
	// descriptor record carrying the real values after the entry
	// body. This makes it possible to add entries whose size and
	// checksum are not known up front.
	UseDataDescriptor bool
}

// Entry describes a single file or directory inside the archive being
// produced. Entries are created by the Streamer; the fields are
// exposed so that a custom ZipWriter implementation can serialize
// them.
type Entry struct {
	// Filename is the path of the entry inside the archive.
	// Directory entries carry a trailing slash.
	Filename string

	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
	StorageMode      StorageMode
	ModificationTime time.Time

	// UnixPermissions of the entry. Zero selects the defaults
	// described in EntryOptions.
	UnixPermissions fs.FileMode

	// UseDataDescriptor indicates that a data descriptor record
	// follows the entry body.
	UseDataDescriptor bool

	// LocalHeaderOffset is the byte offset inside the archive at
	// which the entry's local file header was written.
	LocalHeaderOffset uint64

	BytesUsedForLocalHeader    uint64
	BytesUsedForDataDescriptor uint64
}

// IsDirectory returns whether the entry denotes a directory, which the
// ZIP format expresses through a trailing slash on the filename.
func (e *Entry) IsDirectory() bool {
	return strings.HasSuffix(e.Filename, "/")
}

// totalBytesUsed returns the span of archive bytes attributed to this
// entry, used to validate offset bookkeeping before the central
// directory is emitted.
func (e *Entry) totalBytesUsed() uint64 {
	return e.BytesUsedForLocalHeader + e.CompressedSize + e.BytesUsedForDataDescriptor
}
