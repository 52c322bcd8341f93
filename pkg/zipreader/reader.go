package zipreader

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/buildbarn/bb-zipstream/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	localFileHeaderSignature        = 0x04034b50
	centralDirectoryHeaderSignature = 0x02014b50
	endOfCentralDirectorySignature  = 0x06054b50
	zip64EOCDSignature              = 0x06064b50
	zip64EOCDLocatorSignature       = 0x07064b50

	zip64ExtraID             = 0x0001
	extendedTimestampExtraID = 0x5455

	eocdFixedSizeBytes            = 22
	zip64EOCDLocatorSizeBytes     = 20
	zip64EOCDFixedSizeBytes       = 56
	localFileHeaderFixedSizeBytes = 30
	centralHeaderFixedSizeBytes   = 46

	uint16Max = 0xffff
	uint32Max = 0xffffffff

	flagEncrypted         = 1 << 0
	flagUseDataDescriptor = 1 << 3
)

// readBuf is a cursor for taking little-endian fields out of a byte
// slice.
type readBuf []byte

func (b *readBuf) uint8() uint8 {
	v := (*b)[0]
	*b = (*b)[1:]
	return v
}

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) uint64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

func (b *readBuf) bytes(n int) []byte {
	v := (*b)[:n]
	*b = (*b)[n:]
	return v
}

func readFullAt(r io.ReaderAt, p []byte, offset int64) error {
	if n, err := r.ReadAt(p, offset); n < len(p) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return util.StatusWrapf(err, "Failed to read %d bytes at offset %d", len(p), offset)
	}
	return nil
}

func dosDateTimeToTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		int(dosDate>>9)+1980,
		time.Month((dosDate>>5)&0xf),
		int(dosDate&0x1f),
		int(dosTime>>11),
		int((dosTime>>5)&0x3f),
		int(dosTime&0x1f)*2,
		0,
		time.UTC)
}

// ReadArchiveOptions configures ReadArchive.
type ReadArchiveOptions struct {
	// SkipLocalHeaders suppresses reading every entry's local file
	// header after the central directory has been parsed. Entries
	// of such an archive do not know their body offsets, so
	// Entry.Open() and Entry.CompressedDataOffset() will fail until
	// the local headers are read.
	SkipLocalHeaders bool
}

// Archive is the parsed structure of a ZIP archive.
type Archive struct {
	// Entries in central directory order.
	Entries []*Entry
	// Comment attached to the end-of-central-directory record.
	Comment string
}

// ReadArchive parses an archive by locating its end-of-central-
// directory record and reading the central directory, which is the
// authoritative index of a ZIP file. Once the trailer has been
// located, the central directory is buffered into memory in one read,
// after which local headers (if requested) are visited in entry order.
func ReadArchive(r io.ReaderAt, sizeBytes int64, options *ReadArchiveOptions) (*Archive, error) {
	eocdOffset, window, err := locateEndOfCentralDirectory(r, sizeBytes)
	if err != nil {
		return nil, err
	}

	b := readBuf(window[4:])
	diskNumber := b.uint16()
	centralDirectoryDisk := b.uint16()
	b.uint16() // Entry count on this disk.
	entryCount := uint64(b.uint16())
	centralDirectorySize := uint64(b.uint32())
	centralDirectoryOffset := uint64(b.uint32())
	commentLength := int(b.uint16())
	comment := make([]byte, commentLength)
	if err := readFullAt(r, comment, eocdOffset+eocdFixedSizeBytes); err != nil {
		return nil, err
	}
	if diskNumber != 0 || centralDirectoryDisk != 0 {
		return nil, status.Error(codes.Unimplemented, "Multi-disk archives are not supported")
	}

	// A Zip64 end-of-central-directory locator, if present, sits
	// immediately in front of the regular trailer record.
	if locatorOffset := eocdOffset - zip64EOCDLocatorSizeBytes; locatorOffset >= 0 {
		var locator [zip64EOCDLocatorSizeBytes]byte
		if err := readFullAt(r, locator[:], locatorOffset); err != nil {
			return nil, err
		}
		if binary.LittleEndian.Uint32(locator[:]) == zip64EOCDLocatorSignature {
			lb := readBuf(locator[4:])
			zip64EOCDDisk := lb.uint32()
			zip64EOCDOffset := lb.uint64()
			totalDisks := lb.uint32()
			if zip64EOCDDisk != 0 || totalDisks != 1 {
				return nil, status.Error(codes.Unimplemented, "Multi-disk archives are not supported")
			}
			entryCount, centralDirectorySize, centralDirectoryOffset, err = readZip64EndOfCentralDirectory(r, int64(zip64EOCDOffset))
			if err != nil {
				return nil, err
			}
		}
	}

	entries, err := parseCentralDirectory(r, centralDirectoryOffset, centralDirectorySize, entryCount)
	if err != nil {
		return nil, err
	}
	if options == nil || !options.SkipLocalHeaders {
		for _, entry := range entries {
			if err := readLocalHeader(r, entry); err != nil {
				return nil, err
			}
		}
	}
	return &Archive{
		Entries: entries,
		Comment: string(comment),
	}, nil
}

// locateEndOfCentralDirectory scans the trailing window of the file
// backwards for the end-of-central-directory signature. A candidate is
// only accepted if its comment-length field makes the record end
// exactly at the end of the file, which rejects signature bytes that
// merely appear inside entry data or the comment itself. The rightmost
// candidate satisfying this is the real trailer.
func locateEndOfCentralDirectory(r io.ReaderAt, sizeBytes int64) (int64, []byte, error) {
	if sizeBytes < eocdFixedSizeBytes {
		return 0, nil, status.Errorf(codes.InvalidArgument, "Could not find the end of central directory record: the file is only %d bytes long", sizeBytes)
	}
	windowSize := int64(eocdFixedSizeBytes + uint16Max)
	if windowSize > sizeBytes {
		windowSize = sizeBytes
	}
	windowOffset := sizeBytes - windowSize
	window := make([]byte, windowSize)
	if err := readFullAt(r, window, windowOffset); err != nil {
		return 0, nil, err
	}
	for i := windowSize - eocdFixedSizeBytes; i >= 0; i-- {
		if binary.LittleEndian.Uint32(window[i:]) != endOfCentralDirectorySignature {
			continue
		}
		commentLength := int64(binary.LittleEndian.Uint16(window[i+20:]))
		if windowOffset+i+eocdFixedSizeBytes+commentLength == sizeBytes {
			return windowOffset + i, window[i : i+eocdFixedSizeBytes], nil
		}
	}
	return 0, nil, status.Error(codes.InvalidArgument, "Could not find the end of central directory record: the file is not a ZIP archive, or its trailer is damaged")
}

func readZip64EndOfCentralDirectory(r io.ReaderAt, offset int64) (entryCount, centralDirectorySize, centralDirectoryOffset uint64, err error) {
	var record [zip64EOCDFixedSizeBytes]byte
	if err := readFullAt(r, record[:], offset); err != nil {
		return 0, 0, 0, err
	}
	b := readBuf(record[:])
	if b.uint32() != zip64EOCDSignature {
		return 0, 0, 0, status.Errorf(codes.InvalidArgument, "The Zip64 end of central directory record at offset %d carries an invalid signature", offset)
	}
	b.uint64() // Size of the remainder of the record.
	b.uint16() // Version made by.
	b.uint16() // Version needed to extract.
	diskNumber := b.uint32()
	centralDirectoryDisk := b.uint32()
	b.uint64() // Entry count on this disk.
	entryCount = b.uint64()
	centralDirectorySize = b.uint64()
	centralDirectoryOffset = b.uint64()
	if diskNumber != 0 || centralDirectoryDisk != 0 {
		return 0, 0, 0, status.Error(codes.Unimplemented, "Multi-disk archives are not supported")
	}
	return entryCount, centralDirectorySize, centralDirectoryOffset, nil
}

// parseCentralDirectory buffers the entire central directory into
// memory and slices entries out of it, so that no further I/O happens
// until local headers are requested.
func parseCentralDirectory(r io.ReaderAt, offset, sizeBytes, entryCount uint64) ([]*Entry, error) {
	directory := make([]byte, sizeBytes)
	if err := readFullAt(r, directory, int64(offset)); err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, entryCount)
	b := readBuf(directory)
	for i := uint64(0); i < entryCount; i++ {
		if len(b) < centralHeaderFixedSizeBytes {
			return nil, status.Errorf(codes.InvalidArgument, "The central directory ends prematurely after %d of %d entries", i, entryCount)
		}
		entry, err := parseCentralDirectoryEntry(&b, r)
		if err != nil {
			return nil, util.StatusWrapf(err, "Invalid central directory entry at index %d", i)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseCentralDirectoryEntry(b *readBuf, r io.ReaderAt) (*Entry, error) {
	if b.uint32() != centralDirectoryHeaderSignature {
		return nil, status.Error(codes.InvalidArgument, "Invalid central directory header signature")
	}
	b.uint16() // Version made by.
	b.uint16() // Version needed to extract.
	flags := b.uint16()
	storageMode := b.uint16()
	dosTime := b.uint16()
	dosDate := b.uint16()
	crc32 := b.uint32()
	compressedSize32 := b.uint32()
	uncompressedSize32 := b.uint32()
	filenameLength := int(b.uint16())
	extrasLength := int(b.uint16())
	commentLength := int(b.uint16())
	b.uint16() // Disk number start.
	b.uint16() // Internal attributes.
	externalAttributes := b.uint32()
	localHeaderOffset32 := b.uint32()
	if len(*b) < filenameLength+extrasLength+commentLength {
		return nil, status.Error(codes.InvalidArgument, "Variable-length fields extend beyond the central directory")
	}
	filename := string(b.bytes(filenameLength))
	extras := append([]byte(nil), b.bytes(extrasLength)...)
	comment := string(b.bytes(commentLength))

	if flags&flagEncrypted != 0 {
		return nil, status.Errorf(codes.Unimplemented, "Entry %#v is encrypted", filename)
	}

	entry := &Entry{
		Filename:            filename,
		Comment:             comment,
		CRC32:               crc32,
		CompressedSize:      uint64(compressedSize32),
		UncompressedSize:    uint64(uncompressedSize32),
		StorageMode:         storageMode,
		GeneralPurposeFlags: flags,
		ModificationTime:    dosDateTimeToTime(dosDate, dosTime),
		ExternalAttributes:  externalAttributes,
		Extras:              extras,
		LocalHeaderOffset:   uint64(localHeaderOffset32),
		source:              r,
	}
	if err := applyExtras(entry, uncompressedSize32, compressedSize32, localHeaderOffset32); err != nil {
		return nil, err
	}
	return entry, nil
}

// applyExtras walks the entry's extra fields. The Zip64 extra only
// contains the fields whose 32-bit counterparts overflowed, in a fixed
// order; fields that did not overflow must not be consumed. The
// extended timestamp extra supersedes the two-second-granularity DOS
// timestamp.
func applyExtras(entry *Entry, uncompressedSize32, compressedSize32, localHeaderOffset32 uint32) error {
	b := readBuf(entry.Extras)
	for len(b) >= 4 {
		tag := b.uint16()
		size := int(b.uint16())
		if size > len(b) {
			return status.Errorf(codes.InvalidArgument, "Extra field %#04x of entry %#v extends beyond the extra blob", tag, entry.Filename)
		}
		data := readBuf(b.bytes(size))
		switch tag {
		case zip64ExtraID:
			if uncompressedSize32 == uint32Max {
				if len(data) < 8 {
					return status.Errorf(codes.InvalidArgument, "Zip64 extra of entry %#v is too small", entry.Filename)
				}
				entry.UncompressedSize = data.uint64()
			}
			if compressedSize32 == uint32Max {
				if len(data) < 8 {
					return status.Errorf(codes.InvalidArgument, "Zip64 extra of entry %#v is too small", entry.Filename)
				}
				entry.CompressedSize = data.uint64()
			}
			if localHeaderOffset32 == uint32Max {
				if len(data) < 8 {
					return status.Errorf(codes.InvalidArgument, "Zip64 extra of entry %#v is too small", entry.Filename)
				}
				entry.LocalHeaderOffset = data.uint64()
			}
		case extendedTimestampExtraID:
			if len(data) >= 5 && data.uint8()&0x1 != 0 {
				entry.ModificationTime = time.Unix(int64(int32(data.uint32())), 0).UTC()
			}
		}
	}
	return nil
}

// readLocalHeader reads an entry's local file header to establish
// where its body starts. The filename and extra fields in the local
// header may differ in length from their central directory
// counterparts, so the offset cannot be computed without this read.
func readLocalHeader(r io.ReaderAt, entry *Entry) error {
	var fixed [localFileHeaderFixedSizeBytes]byte
	if err := readFullAt(r, fixed[:], int64(entry.LocalHeaderOffset)); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(fixed[:]) != localFileHeaderSignature {
		return status.Errorf(codes.InvalidArgument, "Entry %#v does not have a local file header at offset %d", entry.Filename, entry.LocalHeaderOffset)
	}
	filenameLength := uint64(binary.LittleEndian.Uint16(fixed[26:]))
	extrasLength := uint64(binary.LittleEndian.Uint16(fixed[28:]))
	entry.compressedDataOffset = entry.LocalHeaderOffset + localFileHeaderFixedSizeBytes + filenameLength + extrasLength
	entry.localHeaderRead = true
	return nil
}
