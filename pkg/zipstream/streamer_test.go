package zipstream_test

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"strings"
	"testing"

	"github.com/buildbarn/bb-zipstream/internal/mock"
	"github.com/buildbarn/bb-zipstream/pkg/random"
	"github.com/buildbarn/bb-zipstream/pkg/testutil"
	"github.com/buildbarn/bb-zipstream/pkg/util"
	"github.com/buildbarn/bb-zipstream/pkg/zipstream"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// readBackArchive parses a produced archive with the standard
// library's reader, which acts as an independent implementation to
// validate compatibility against.
func readBackArchive(t *testing.T, archiveBytes []byte) *zip.Reader {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	require.NoError(t, err)
	return r
}

func extractEntry(t *testing.T, f *zip.File) []byte {
	t.Helper()
	rc, err := f.Open()
	require.NoError(t, err)
	contents, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	return contents
}

func deterministicPayload(seed uint64, sizeBytes int) []byte {
	payload := make([]byte, sizeBytes)
	random.NewDeterministicGenerator(seed).Read(payload)
	return payload
}

func TestStreamerEmptyArchive(t *testing.T) {
	// An archive without entries consists of nothing but a
	// 22-byte end-of-central-directory record.
	var b bytes.Buffer
	streamer := util.Must(zipstream.NewStreamer(&b, nil))
	sizeBytes, err := streamer.Close()
	require.NoError(t, err)
	require.Equal(t, uint64(22), sizeBytes)
	require.Equal(t, []byte{
		0x50, 0x4b, 0x05, 0x06,
		0, 0,
		0, 0,
		0, 0,
		0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0,
	}, b.Bytes())
}

func TestStreamerNilOutput(t *testing.T) {
	_, err := zipstream.NewStreamer(nil, nil)
	testutil.RequireEqualStatus(
		t,
		status.Error(codes.InvalidArgument, "Output writer is nil; the Streamer needs a byte sink that accepts writes"),
		err)
}

func TestStreamerStoredRoundtrip(t *testing.T) {
	firstPayload := deterministicPayload(1, 20*1024)
	secondPayload := deterministicPayload(2, 128*1024)

	var b bytes.Buffer
	streamer := util.Must(zipstream.NewStreamer(&b, nil))
	require.NoError(t, streamer.WriteStoredFileFunc("first-file.bin", zipstream.EntryOptions{
		ModificationTime: referenceTime,
	}, func(w io.Writer) error {
		_, err := w.Write(firstPayload)
		return err
	}))
	require.NoError(t, streamer.WriteStoredFileFunc("second-file.bin", zipstream.EntryOptions{
		ModificationTime: referenceTime,
	}, func(w io.Writer) error {
		_, err := w.Write(secondPayload)
		return err
	}))
	_, err := streamer.Close()
	require.NoError(t, err)

	// Pure ASCII names must not carry the EFS flag, and nothing
	// about this archive needs Zip64 records.
	require.False(t, bytes.Contains(b.Bytes(), []byte{0x50, 0x4b, 0x06, 0x06}))
	r := readBackArchive(t, b.Bytes())
	require.Len(t, r.File, 2)
	require.Equal(t, "first-file.bin", r.File[0].Name)
	require.Equal(t, zip.Store, r.File[0].Method)
	require.Zero(t, r.File[0].Flags&0x800)
	require.Equal(t, firstPayload, extractEntry(t, r.File[0]))
	require.Equal(t, "second-file.bin", r.File[1].Name)
	require.Equal(t, secondPayload, extractEntry(t, r.File[1]))
}

func TestStreamerUnicodeFilename(t *testing.T) {
	payload := deterministicPayload(3, 128*1024)

	var b bytes.Buffer
	streamer := util.Must(zipstream.NewStreamer(&b, nil))
	require.NoError(t, streamer.WriteStoredFileFunc("второй-файл.bin", zipstream.EntryOptions{
		ModificationTime: referenceTime,
	}, func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	}))
	_, err := streamer.Close()
	require.NoError(t, err)

	// The EFS bit must be present in the local file header at the
	// start of the archive, and in the central directory.
	localFlags := binary.LittleEndian.Uint16(b.Bytes()[6:])
	require.NotZero(t, localFlags&0x800)
	r := readBackArchive(t, b.Bytes())
	require.Len(t, r.File, 1)
	require.Equal(t, "второй-файл.bin", r.File[0].Name)
	require.NotZero(t, r.File[0].Flags&0x800)
	require.Equal(t, payload, extractEntry(t, r.File[0]))
}

func TestStreamerDataDescriptorRoundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte("many many delicious, compressible words. "), 1000)

	var b bytes.Buffer
	streamer := util.Must(zipstream.NewStreamer(&b, nil))
	w, err := streamer.WriteDeflatedFile("words.txt", zipstream.EntryOptions{
		ModificationTime: referenceTime,
	})
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = streamer.Close()
	require.NoError(t, err)

	// The local file header must declare a data descriptor and
	// zeroed checksum and sizes.
	header := b.Bytes()
	require.Equal(t, uint16(1<<3), binary.LittleEndian.Uint16(header[6:])&(1<<3))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(header[14:]))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(header[18:]))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(header[22:]))

	r := readBackArchive(t, b.Bytes())
	require.Len(t, r.File, 1)
	require.Equal(t, zip.Deflate, r.File[0].Method)
	require.Equal(t, payload, extractEntry(t, r.File[0]))

	// The data descriptor record directly follows the compressed
	// body and carries the real values.
	dataOffset, err := r.File[0].DataOffset()
	require.NoError(t, err)
	descriptor := b.Bytes()[uint64(dataOffset)+r.File[0].CompressedSize64:]
	require.Equal(t, uint32(0x08074b50), binary.LittleEndian.Uint32(descriptor))
	require.Equal(t, r.File[0].CRC32, binary.LittleEndian.Uint32(descriptor[4:]))
	require.Equal(t, uint32(r.File[0].CompressedSize64), binary.LittleEndian.Uint32(descriptor[8:]))
	require.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(descriptor[12:]))
}

func TestStreamerHeuristicSelection(t *testing.T) {
	t.Run("CompressibleSelectsDeflated", func(t *testing.T) {
		payload := bytes.Repeat([]byte("many many delicious, compressible words"), 128*1024/39+100)

		var b bytes.Buffer
		streamer := util.Must(zipstream.NewStreamer(&b, nil))
		require.NoError(t, streamer.WriteFileFunc("words.txt", zipstream.EntryOptions{}, func(w io.Writer) error {
			_, err := w.Write(payload)
			return err
		}))
		_, err := streamer.Close()
		require.NoError(t, err)

		r := readBackArchive(t, b.Bytes())
		require.Len(t, r.File, 1)
		require.Equal(t, zip.Deflate, r.File[0].Method)
		require.Equal(t, payload, extractEntry(t, r.File[0]))
		require.Less(t, r.File[0].CompressedSize64, uint64(len(payload)))
	})

	t.Run("IncompressibleSelectsStored", func(t *testing.T) {
		payload := deterministicPayload(4, 128*1024+1000)

		var b bytes.Buffer
		streamer := util.Must(zipstream.NewStreamer(&b, nil))
		require.NoError(t, streamer.WriteFileFunc("noise.bin", zipstream.EntryOptions{}, func(w io.Writer) error {
			_, err := w.Write(payload)
			return err
		}))
		_, err := streamer.Close()
		require.NoError(t, err)

		r := readBackArchive(t, b.Bytes())
		require.Len(t, r.File, 1)
		require.Equal(t, zip.Store, r.File[0].Method)
		require.Equal(t, payload, extractEntry(t, r.File[0]))
	})

	t.Run("EmptyBodySelectsStored", func(t *testing.T) {
		var b bytes.Buffer
		streamer := util.Must(zipstream.NewStreamer(&b, nil))
		require.NoError(t, streamer.WriteFileFunc("empty.bin", zipstream.EntryOptions{}, func(w io.Writer) error {
			return nil
		}))
		_, err := streamer.Close()
		require.NoError(t, err)

		r := readBackArchive(t, b.Bytes())
		require.Len(t, r.File, 1)
		require.Equal(t, zip.Store, r.File[0].Method)
		require.Empty(t, extractEntry(t, r.File[0]))
	})
}

func TestStreamerRollback(t *testing.T) {
	t.Run("AfterBytesOnTheWire", func(t *testing.T) {
		// A failed entry body leaves its bytes in the output;
		// they become an unreferenced filler. The same
		// filename can be used again and readers must only see
		// the second attempt.
		var b bytes.Buffer
		streamer := util.Must(zipstream.NewStreamer(&b, nil))
		bodyFailure := status.Error(codes.Internal, "Upstream connection lost")
		err := streamer.WriteDeflatedFileFunc("deflated.txt", zipstream.EntryOptions{}, func(w io.Writer) error {
			if _, err := io.WriteString(w, "this is attempt 1"); err != nil {
				return err
			}
			return bodyFailure
		})
		testutil.RequireEqualStatus(t, bodyFailure, err)

		require.NoError(t, streamer.WriteDeflatedFileFunc("deflated.txt", zipstream.EntryOptions{}, func(w io.Writer) error {
			_, err := io.WriteString(w, "this is attempt 2")
			return err
		}))
		_, err = streamer.Close()
		require.NoError(t, err)

		r := readBackArchive(t, b.Bytes())
		require.Len(t, r.File, 1)
		require.Equal(t, "deflated.txt", r.File[0].Name)
		require.Equal(t, []byte("this is attempt 2"), extractEntry(t, r.File[0]))
	})

	t.Run("BeforeHeuristicCommits", func(t *testing.T) {
		// A heuristic writer that fails while still buffering
		// has not produced any archive bytes, so no filler is
		// needed and earlier entries are unaffected.
		var b bytes.Buffer
		streamer := util.Must(zipstream.NewStreamer(&b, nil))
		require.NoError(t, streamer.WriteStoredFileFunc("keep.txt", zipstream.EntryOptions{}, func(w io.Writer) error {
			_, err := io.WriteString(w, "survives")
			return err
		}))
		bodyFailure := status.Error(codes.Internal, "Tape jammed")
		err := streamer.WriteFileFunc("doomed.txt", zipstream.EntryOptions{}, func(w io.Writer) error {
			if _, err := io.WriteString(w, "never committed"); err != nil {
				return err
			}
			return bodyFailure
		})
		testutil.RequireEqualStatus(t, bodyFailure, err)
		require.NoError(t, streamer.WriteFileFunc("doomed.txt", zipstream.EntryOptions{}, func(w io.Writer) error {
			_, err := io.WriteString(w, "second attempt")
			return err
		}))
		_, err = streamer.Close()
		require.NoError(t, err)

		r := readBackArchive(t, b.Bytes())
		require.Len(t, r.File, 2)
		require.Equal(t, []byte("survives"), extractEntry(t, r.File[0]))
		require.Equal(t, "doomed.txt", r.File[1].Name)
		require.Equal(t, []byte("second attempt"), extractEntry(t, r.File[1]))
	})
}

func TestStreamerOffsetOutOfSync(t *testing.T) {
	streamer := util.Must(zipstream.NewStreamer(io.Discard, nil))
	_, err := streamer.AddStoredEntry("foo", 1024, 0xcc, zipstream.EntryOptions{})
	require.NoError(t, err)
	_, err = streamer.Close()
	testutil.RequirePrefixedStatus(
		t,
		status.Error(codes.FailedPrecondition, "Entries add up to "),
		err)
	require.ErrorContains(t, err, "SimulateWrite")
}

func TestStreamerSimulateWrite(t *testing.T) {
	// Entry bodies can bypass the Streamer entirely, the way
	// sendfile() would, as long as the skipped bytes are declared
	// through SimulateWrite.
	payload := deterministicPayload(5, 4096)

	var b bytes.Buffer
	streamer := util.Must(zipstream.NewStreamer(&b, nil))
	_, err := streamer.AddStoredEntry("spliced.bin", uint64(len(payload)), crc32.ChecksumIEEE(payload), zipstream.EntryOptions{
		ModificationTime: referenceTime,
	})
	require.NoError(t, err)
	b.Write(payload)
	offset, err := streamer.SimulateWrite(uint64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, uint64(b.Len()), offset)
	_, err = streamer.Close()
	require.NoError(t, err)

	r := readBackArchive(t, b.Bytes())
	require.Len(t, r.File, 1)
	require.Equal(t, payload, extractEntry(t, r.File[0]))
}

func TestStreamerAddEmptyDirectory(t *testing.T) {
	var b bytes.Buffer
	streamer := util.Must(zipstream.NewStreamer(&b, nil))
	_, err := streamer.AddEmptyDirectory("photos", zipstream.EntryOptions{
		ModificationTime: referenceTime,
	})
	require.NoError(t, err)
	_, err = streamer.Close()
	require.NoError(t, err)

	r := readBackArchive(t, b.Bytes())
	require.Len(t, r.File, 1)
	require.Equal(t, "photos/", r.File[0].Name)
	require.True(t, r.File[0].Mode().IsDir())
}

func TestStreamerPathConflicts(t *testing.T) {
	streamer := util.Must(zipstream.NewStreamer(io.Discard, nil))
	require.NoError(t, streamer.WriteStoredFileFunc("a/b", zipstream.EntryOptions{}, func(w io.Writer) error {
		return nil
	}))
	err := streamer.WriteStoredFileFunc("a/b/c", zipstream.EntryOptions{}, func(w io.Writer) error {
		return nil
	})
	testutil.RequireEqualStatus(
		t,
		status.Error(codes.AlreadyExists, "Cannot add file \"a/b/c\", as a file at \"a/b\" is already present in the archive"),
		err)
	_, err = streamer.AddEmptyDirectory("a/b", zipstream.EntryOptions{})
	testutil.RequireEqualStatus(
		t,
		status.Error(codes.AlreadyExists, "Cannot add directory \"a/b\", as a file at \"a/b\" is already present in the archive"),
		err)
}

func TestStreamerAutoRenameDuplicateFilenames(t *testing.T) {
	var b bytes.Buffer
	streamer := util.Must(zipstream.NewStreamer(&b, &zipstream.StreamerOptions{
		AutoRenameDuplicateFilenames: true,
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, streamer.WriteStoredFileFunc("x.tar.gz", zipstream.EntryOptions{}, func(w io.Writer) error {
			return nil
		}))
	}
	_, err := streamer.Close()
	require.NoError(t, err)

	r := readBackArchive(t, b.Bytes())
	require.Len(t, r.File, 3)
	require.Equal(t, "x.tar.gz", r.File[0].Name)
	require.Equal(t, "x.tar (1).gz", r.File[1].Name)
	require.Equal(t, "x.tar (2).gz", r.File[2].Name)
}

func TestStreamerBackslashSanitisation(t *testing.T) {
	var b bytes.Buffer
	streamer := util.Must(zipstream.NewStreamer(&b, nil))
	require.NoError(t, streamer.WriteStoredFileFunc("dir\\file.txt", zipstream.EntryOptions{}, func(w io.Writer) error {
		return nil
	}))
	_, err := streamer.Close()
	require.NoError(t, err)

	r := readBackArchive(t, b.Bytes())
	require.Equal(t, "dir_file.txt", r.File[0].Name)
}

func TestStreamerDefaultModificationTimeFromClock(t *testing.T) {
	ctrl := gomock.NewController(t)
	clk := mock.NewMockClock(ctrl)
	clk.EXPECT().Now().Return(referenceTime)

	var b bytes.Buffer
	streamer := util.Must(zipstream.NewStreamer(&b, &zipstream.StreamerOptions{
		Clock: clk,
	}))
	require.NoError(t, streamer.WriteStoredFileFunc("now.txt", zipstream.EntryOptions{}, func(w io.Writer) error {
		return nil
	}))
	_, err := streamer.Close()
	require.NoError(t, err)

	r := readBackArchive(t, b.Bytes())
	require.True(t, r.File[0].Modified.Equal(referenceTime))
}

func TestStreamerStateEnforcement(t *testing.T) {
	t.Run("SecondWriterWhileOpen", func(t *testing.T) {
		streamer := util.Must(zipstream.NewStreamer(io.Discard, nil))
		w, err := streamer.WriteStoredFile("one.txt", zipstream.EntryOptions{})
		require.NoError(t, err)
		_, err = streamer.WriteStoredFile("two.txt", zipstream.EntryOptions{})
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.FailedPrecondition, "An entry body is still being written; close its writer before performing other operations"),
			err)
		_, err = streamer.Close()
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.FailedPrecondition, "An entry body is still being written; close its writer before performing other operations"),
			err)
		require.NoError(t, w.Close())
		// Closing an entry writer twice is a no-op.
		require.NoError(t, w.Close())
		_, err = streamer.Close()
		require.NoError(t, err)
	})

	t.Run("OperationsAfterClose", func(t *testing.T) {
		streamer := util.Must(zipstream.NewStreamer(io.Discard, nil))
		_, err := streamer.Close()
		require.NoError(t, err)
		_, err = streamer.AddStoredEntry("late.txt", 0, 0, zipstream.EntryOptions{})
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.FailedPrecondition, "The archive has already been closed"),
			err)
		_, err = streamer.Close()
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.FailedPrecondition, "The archive has already been closed"),
			err)
	})

	t.Run("DataDescriptorWithoutEntry", func(t *testing.T) {
		streamer := util.Must(zipstream.NewStreamer(io.Discard, nil))
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.FailedPrecondition, "A data descriptor can only be written directly after an entry body"),
			streamer.UpdateLastEntryAndWriteDataDescriptor(0, 0, 0))
	})

	t.Run("StoredSizeMismatch", func(t *testing.T) {
		streamer := util.Must(zipstream.NewStreamer(io.Discard, nil))
		_, err := streamer.AddStoredEntry("sized.bin", 20, 0, zipstream.EntryOptions{
			UseDataDescriptor: true,
		})
		require.NoError(t, err)
		_, err = streamer.SimulateWrite(10)
		require.NoError(t, err)
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.InvalidArgument, "Stored entry \"sized.bin\" was declared with 20 bytes, but 10 bytes were written"),
			streamer.UpdateLastEntryAndWriteDataDescriptor(0, 10, 20))
	})
}

func TestStreamerSinkFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mock.NewMockWriter(ctrl)
	sink.EXPECT().Write(gomock.Any()).Return(0, status.Error(codes.Internal, "Disk on fire"))

	streamer := util.Must(zipstream.NewStreamer(sink, nil))
	_, err := streamer.AddStoredEntry("doomed.txt", 0, 0, zipstream.EntryOptions{})
	testutil.RequireEqualStatus(
		t,
		status.Error(codes.Internal, "Disk on fire"),
		err)
}

// recordingZipWriter wraps the standard record serializer to verify
// that the Streamer honors a caller-provided override.
type recordingZipWriter struct {
	zipstream.ZipWriter
	localHeaders int
}

func (zw *recordingZipWriter) WriteLocalFileHeader(w io.Writer, entry *zipstream.Entry) error {
	zw.localHeaders++
	return zw.ZipWriter.WriteLocalFileHeader(w, entry)
}

func TestStreamerZipWriterOverride(t *testing.T) {
	zw := &recordingZipWriter{ZipWriter: zipstream.NewZipWriter()}
	streamer := util.Must(zipstream.NewStreamer(io.Discard, &zipstream.StreamerOptions{
		ZipWriter: zw,
	}))
	require.NoError(t, streamer.WriteStoredFileFunc("a.txt", zipstream.EntryOptions{}, func(w io.Writer) error {
		_, err := io.WriteString(w, strings.Repeat("a", 100))
		return err
	}))
	_, err := streamer.Close()
	require.NoError(t, err)
	require.Equal(t, 1, zw.localHeaders)
}
