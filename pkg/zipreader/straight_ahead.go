package zipreader

import (
	"encoding/binary"
	"io"
)

// ReadStraightAhead parses an archive sequentially from offset zero,
// for archives whose central directory is missing or truncated. Each
// local file header's declared sizes are trusted in order to skip over
// the body to the next header. Entries that use data descriptors
// declare zero sizes in their local headers and therefore cannot be
// recovered this way; parsing stops at the first such entry. The
// entries that could be parsed are returned.
func ReadStraightAhead(r io.ReaderAt, sizeBytes int64) ([]*Entry, error) {
	var entries []*Entry
	offset := int64(0)
	for offset+localFileHeaderFixedSizeBytes <= sizeBytes {
		var fixed [localFileHeaderFixedSizeBytes]byte
		if err := readFullAt(r, fixed[:], offset); err != nil {
			return entries, err
		}
		if binary.LittleEndian.Uint32(fixed[:]) != localFileHeaderSignature {
			break
		}
		b := readBuf(fixed[4:])
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
		if flags&flagUseDataDescriptor != 0 {
			break
		}

		variable := make([]byte, filenameLength+extrasLength)
		if err := readFullAt(r, variable, offset+localFileHeaderFixedSizeBytes); err != nil {
			return entries, err
		}
		entry := &Entry{
			Filename:             string(variable[:filenameLength]),
			CRC32:                crc32,
			CompressedSize:       uint64(compressedSize32),
			UncompressedSize:     uint64(uncompressedSize32),
			StorageMode:          storageMode,
			GeneralPurposeFlags:  flags,
			ModificationTime:     dosDateTimeToTime(dosDate, dosTime),
			Extras:               append([]byte(nil), variable[filenameLength:]...),
			LocalHeaderOffset:    uint64(offset),
			source:               r,
			localHeaderRead:      true,
			compressedDataOffset: uint64(offset) + localFileHeaderFixedSizeBytes + uint64(filenameLength) + uint64(extrasLength),
		}
		applyLocalZip64Extra(entry, uncompressedSize32, compressedSize32)
		entries = append(entries, entry)
		offset = int64(entry.compressedDataOffset + entry.CompressedSize)
	}
	return entries, nil
}

// applyLocalZip64Extra applies the Zip64 extra field of a local file
// header, which always carries both sizes when present.
func applyLocalZip64Extra(entry *Entry, uncompressedSize32, compressedSize32 uint32) {
	if uncompressedSize32 != uint32Max && compressedSize32 != uint32Max {
		return
	}
	b := readBuf(entry.Extras)
	for len(b) >= 4 {
		tag := b.uint16()
		size := int(b.uint16())
		if size > len(b) {
			return
		}
		data := readBuf(b.bytes(size))
		if tag == zip64ExtraID && len(data) >= 16 {
			entry.UncompressedSize = data.uint64()
			entry.CompressedSize = data.uint64()
			return
		}
	}
}
