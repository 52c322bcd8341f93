package zipstream

import (
	"encoding/binary"
	"io"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	localFileHeaderSignature        = 0x04034b50
	dataDescriptorSignature         = 0x08074b50
	centralDirectoryHeaderSignature = 0x02014b50
	endOfCentralDirectorySignature  = 0x06054b50
	zip64EOCDSignature              = 0x06064b50
	zip64EOCDLocatorSignature       = 0x07064b50

	zip64ExtraID             = 0x0001
	extendedTimestampExtraID = 0x5455

	// Version 5.2, with the high byte denoting UNIX as the
	// originating operating system, so that the external attributes
	// are interpreted as file type and permission bits.
	versionMadeBy = 3<<8 | 52

	zipVersion20 = 20
	zipVersion45 = 45

	uint16Max = 0xffff
	uint32Max = 0xffffffff

	flagUseDataDescriptor = 1 << 3
	flagUTF8Filename      = 1 << 11

	unixFileTypeRegular   = 0o10
	unixFileTypeDirectory = 0o04

	defaultFilePermissions      = 0o644
	defaultDirectoryPermissions = 0o755
)

// ZipWriter serializes the structural records of a ZIP archive. The
// standard implementation returned by NewZipWriter produces the
// byte-exact layouts described in APPNOTE.TXT, including automatic
// Zip64 promotion. A Streamer can be given an alternative
// implementation to customize the produced records.
type ZipWriter interface {
	WriteLocalFileHeader(w io.Writer, entry *Entry) error
	WriteDataDescriptor(w io.Writer, entry *Entry) error
	WriteCentralDirectoryFileHeader(w io.Writer, entry *Entry) error
	WriteEndOfCentralDirectory(w io.Writer, centralDirectoryOffset, centralDirectorySize, entryCount uint64, comment string) error
}

type defaultZipWriter struct{}

// NewZipWriter creates the standard ZIP record serializer.
func NewZipWriter() ZipWriter {
	return defaultZipWriter{}
}

// writeBuf is a cursor for assembling little-endian records in a
// fixed-size buffer.
type writeBuf []byte

func (b *writeBuf) uint8(v uint8) {
	(*b)[0] = v
	*b = (*b)[1:]
}

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

// timeToDosDateTime converts a modification time to the two 16-bit
// MS-DOS fields used by ZIP headers. The time is interpreted in UTC.
// Seconds are stored with two-second granularity; odd seconds are
// truncated.
func timeToDosDateTime(t time.Time) (dosDate, dosTime uint16) {
	t = t.UTC()
	dosTime = uint16(t.Second()/2 | t.Minute()<<5 | t.Hour()<<11)
	dosDate = uint16(t.Day() | int(t.Month())<<5 | (t.Year()-1980)<<9)
	return
}

// filenameRequiresUnicode returns whether a filename contains bytes
// outside the 7-bit ASCII range, requiring the EFS general purpose
// flag to be set so that extractors decode it as UTF-8.
func filenameRequiresUnicode(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return true
		}
	}
	return false
}

func generalPurposeFlags(entry *Entry) uint16 {
	var flags uint16
	if entry.UseDataDescriptor {
		flags |= flagUseDataDescriptor
	}
	if filenameRequiresUnicode(entry.Filename) {
		flags |= flagUTF8Filename
	}
	return flags
}

// extendedTimestampExtra encodes the Info-ZIP extended timestamp extra
// field, carrying only the modification time as a signed 32-bit UNIX
// timestamp. The encoding is identical in local and central headers.
func extendedTimestampExtra(t time.Time) []byte {
	var buf [9]byte
	b := writeBuf(buf[:])
	b.uint16(extendedTimestampExtraID)
	b.uint16(5)
	b.uint8(0b00000001)
	b.uint32(uint32(int32(t.Unix())))
	return buf[:]
}

func checkFilenameLength(filename string) error {
	if len(filename) > uint16Max {
		return status.Errorf(codes.InvalidArgument, "Filename is %d bytes long, which exceeds the maximum of %d bytes", len(filename), uint16Max)
	}
	return nil
}

func (defaultZipWriter) WriteLocalFileHeader(w io.Writer, entry *Entry) error {
	if err := checkFilenameLength(entry.Filename); err != nil {
		return err
	}

	crc32, compressedSize, uncompressedSize := entry.CRC32, entry.CompressedSize, entry.UncompressedSize
	if entry.UseDataDescriptor {
		// The real values follow the body in the data
		// descriptor record.
		crc32, compressedSize, uncompressedSize = 0, 0, 0
	}

	requiresZip64 := compressedSize >= uint32Max || uncompressedSize >= uint32Max
	var extras []byte
	if requiresZip64 {
		// The Zip64 extra must come first, as some extractors
		// only consider the leading extra field.
		var buf [20]byte
		b := writeBuf(buf[:])
		b.uint16(zip64ExtraID)
		b.uint16(16)
		b.uint64(uncompressedSize)
		b.uint64(compressedSize)
		extras = append(extras, buf[:]...)
	}
	extras = append(extras, extendedTimestampExtra(entry.ModificationTime)...)

	versionNeeded := uint16(zipVersion20)
	storedCompressedSize := uint32(compressedSize)
	storedUncompressedSize := uint32(uncompressedSize)
	if requiresZip64 {
		versionNeeded = zipVersion45
		storedCompressedSize = uint32Max
		storedUncompressedSize = uint32Max
	}

	dosDate, dosTime := timeToDosDateTime(entry.ModificationTime)
	var buf [30]byte
	b := writeBuf(buf[:])
	b.uint32(localFileHeaderSignature)
	b.uint16(versionNeeded)
	b.uint16(generalPurposeFlags(entry))
	b.uint16(uint16(entry.StorageMode))
	b.uint16(dosTime)
	b.uint16(dosDate)
	b.uint32(crc32)
	b.uint32(storedCompressedSize)
	b.uint32(storedUncompressedSize)
	b.uint16(uint16(len(entry.Filename)))
	b.uint16(uint16(len(extras)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, entry.Filename); err != nil {
		return err
	}
	_, err := w.Write(extras)
	return err
}

func (defaultZipWriter) WriteDataDescriptor(w io.Writer, entry *Entry) error {
	// Although the signature is not mandated by APPNOTE.TXT, it is
	// emitted by virtually every producer and required by some
	// extractors.
	if entry.CompressedSize >= uint32Max || entry.UncompressedSize >= uint32Max {
		var buf [24]byte
		b := writeBuf(buf[:])
		b.uint32(dataDescriptorSignature)
		b.uint32(entry.CRC32)
		b.uint64(entry.CompressedSize)
		b.uint64(entry.UncompressedSize)
		_, err := w.Write(buf[:])
		return err
	}
	var buf [16]byte
	b := writeBuf(buf[:])
	b.uint32(dataDescriptorSignature)
	b.uint32(entry.CRC32)
	b.uint32(uint32(entry.CompressedSize))
	b.uint32(uint32(entry.UncompressedSize))
	_, err := w.Write(buf[:])
	return err
}

// externalAttributes encodes the entry's file type and permission bits
// into the high sixteen bits of the external attributes field, the way
// UNIX archivers do. The low sixteen bits hold MS-DOS attributes,
// which are left zero.
func externalAttributes(entry *Entry) uint32 {
	permissions := uint32(entry.UnixPermissions) & 0o7777
	fileType := uint32(unixFileTypeRegular)
	if entry.IsDirectory() {
		fileType = unixFileTypeDirectory
		if permissions == 0 {
			permissions = defaultDirectoryPermissions
		}
	} else if permissions == 0 {
		permissions = defaultFilePermissions
	}
	return (fileType<<12 | permissions) << 16
}

func (defaultZipWriter) WriteCentralDirectoryFileHeader(w io.Writer, entry *Entry) error {
	if err := checkFilenameLength(entry.Filename); err != nil {
		return err
	}

	requiresZip64 := entry.CompressedSize >= uint32Max ||
		entry.UncompressedSize >= uint32Max ||
		entry.LocalHeaderOffset >= uint32Max

	var extras []byte
	versionNeeded := uint16(zipVersion20)
	storedCompressedSize := uint32(entry.CompressedSize)
	storedUncompressedSize := uint32(entry.UncompressedSize)
	storedLocalHeaderOffset := uint32(entry.LocalHeaderOffset)
	diskNumberStart := uint16(0)
	if requiresZip64 {
		versionNeeded = zipVersion45
		storedCompressedSize = uint32Max
		storedUncompressedSize = uint32Max
		storedLocalHeaderOffset = uint32Max
		// Certain legacy extractors mis-parse Zip64 entries
		// whose disk number is left zero.
		diskNumberStart = uint16Max

		var buf [32]byte
		b := writeBuf(buf[:])
		b.uint16(zip64ExtraID)
		b.uint16(28)
		b.uint64(entry.UncompressedSize)
		b.uint64(entry.CompressedSize)
		b.uint64(entry.LocalHeaderOffset)
		b.uint32(0)
		extras = append(extras, buf[:]...)
	}
	extras = append(extras, extendedTimestampExtra(entry.ModificationTime)...)

	dosDate, dosTime := timeToDosDateTime(entry.ModificationTime)
	var buf [46]byte
	b := writeBuf(buf[:])
	b.uint32(centralDirectoryHeaderSignature)
	b.uint16(versionMadeBy)
	b.uint16(versionNeeded)
	b.uint16(generalPurposeFlags(entry))
	b.uint16(uint16(entry.StorageMode))
	b.uint16(dosTime)
	b.uint16(dosDate)
	b.uint32(entry.CRC32)
	b.uint32(storedCompressedSize)
	b.uint32(storedUncompressedSize)
	b.uint16(uint16(len(entry.Filename)))
	b.uint16(uint16(len(extras)))
	b.uint16(0) // Comment length.
	b.uint16(diskNumberStart)
	b.uint16(0) // Internal attributes.
	b.uint32(externalAttributes(entry))
	b.uint32(storedLocalHeaderOffset)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, entry.Filename); err != nil {
		return err
	}
	_, err := w.Write(extras)
	return err
}

func (defaultZipWriter) WriteEndOfCentralDirectory(w io.Writer, centralDirectoryOffset, centralDirectorySize, entryCount uint64, comment string) error {
	if len(comment) > uint16Max {
		return status.Errorf(codes.InvalidArgument, "Archive comment is %d bytes long, which exceeds the maximum of %d bytes", len(comment), uint16Max)
	}

	zip64EOCDOffset := centralDirectoryOffset + centralDirectorySize
	if centralDirectoryOffset >= uint32Max ||
		centralDirectorySize >= uint32Max ||
		zip64EOCDOffset >= uint32Max ||
		entryCount >= uint16Max {
		var buf [76]byte
		b := writeBuf(buf[:])
		b.uint32(zip64EOCDSignature)
		b.uint64(44) // Size of the remainder of the record.
		b.uint16(versionMadeBy)
		b.uint16(zipVersion45)
		b.uint32(0) // Number of this disk.
		b.uint32(0) // Disk holding the central directory.
		b.uint64(entryCount)
		b.uint64(entryCount)
		b.uint64(centralDirectorySize)
		b.uint64(centralDirectoryOffset)

		b.uint32(zip64EOCDLocatorSignature)
		b.uint32(0) // Disk holding the Zip64 EOCD.
		b.uint64(zip64EOCDOffset)
		b.uint32(1) // Total number of disks.
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}

	var buf [22]byte
	b := writeBuf(buf[:])
	b.uint32(endOfCentralDirectorySignature)
	b.uint16(0) // Number of this disk.
	b.uint16(0) // Disk holding the central directory.
	b.uint16(uint16(min(entryCount, uint16Max)))
	b.uint16(uint16(min(entryCount, uint16Max)))
	b.uint32(uint32(min(centralDirectorySize, uint32Max)))
	b.uint32(uint32(min(centralDirectoryOffset, uint32Max)))
	b.uint16(uint16(len(comment)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, comment)
	return err
}
