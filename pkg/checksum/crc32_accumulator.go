package checksum

import (
	"hash/crc32"
	"io"
)

// crc32Polynomial is the reversed representation of the IEEE 802.3
// polynomial, as used by both ZIP and gzip.
const crc32Polynomial uint32 = 0xedb88320

// CRC32Accumulator computes the CRC-32 checksum of a stream of bytes
// incrementally. In addition to the plain streaming update offered by
// hash/crc32, it can combine its running checksum with the checksum of
// another blob whose contents are not available, which is needed when
// parts of an archive's payload bypass the process entirely (e.g.
// bytes sent through sendfile()).
//
// The zero value is ready for use and corresponds to the checksum of
// the empty string.
type CRC32Accumulator struct {
	crc   uint32
	bytes int64
}

// Update appends bytes to the checksummed stream.
func (a *CRC32Accumulator) Update(p []byte) {
	a.crc = crc32.Update(a.crc, crc32.IEEETable, p)
	a.bytes += int64(len(p))
}

// Sum32 returns the checksum of all bytes observed so far.
func (a *CRC32Accumulator) Sum32() uint32 {
	return a.crc
}

// Size returns the number of bytes observed so far.
func (a *CRC32Accumulator) Size() int64 {
	return a.bytes
}

// Append combines the running checksum with the checksum of a blob of
// otherSize bytes whose CRC-32 is otherCRC, as if those bytes had been
// passed to Update.
func (a *CRC32Accumulator) Append(otherCRC uint32, otherSize int64) {
	a.crc = CRC32Combine(a.crc, otherCRC, otherSize)
	a.bytes += otherSize
}

// FromReader drains a reader into the accumulator, returning the
// number of bytes consumed.
func (a *CRC32Accumulator) FromReader(r io.Reader) (int64, error) {
	var buf [64 * 1024]byte
	var total int64
	for {
		n, err := r.Read(buf[:])
		a.Update(buf[:n])
		total += int64(n)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Reset returns the accumulator to its initial state.
func (a *CRC32Accumulator) Reset() {
	*a = CRC32Accumulator{}
}

// gf2MatrixTimes multiplies a 32x32 matrix over GF(2) by a vector.
func gf2MatrixTimes(mat *[32]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

// gf2MatrixSquare squares a 32x32 matrix over GF(2).
func gf2MatrixSquare(square, mat *[32]uint32) {
	for n := 0; n < 32; n++ {
		square[n] = gf2MatrixTimes(mat, mat[n])
	}
}

// CRC32Combine computes the CRC-32 of the concatenation of two blobs,
// given the checksum of each blob and the size of the second. Instead
// of rescanning size2 zero bytes, the zero operator is raised to the
// size2'th power by repeated matrix squaring over GF(2), making the
// cost logarithmic in size2. The result is identical to what a single
// pass over the concatenated input would have produced.
func CRC32Combine(crc1, crc2 uint32, size2 int64) uint32 {
	if size2 <= 0 {
		return crc1
	}

	// Operator for one zero bit.
	var odd, even [32]uint32
	odd[0] = crc32Polynomial
	row := uint32(1)
	for n := 1; n < 32; n++ {
		odd[n] = row
		row <<= 1
	}

	// Put the operator for two zero bits in even, and for four zero
	// bits back in odd.
	gf2MatrixSquare(&even, &odd)
	gf2MatrixSquare(&odd, &even)

	// Apply size2 zero bytes to crc1, squaring the operator for
	// every bit of size2.
	for {
		gf2MatrixSquare(&even, &odd)
		if size2&1 != 0 {
			crc1 = gf2MatrixTimes(&even, crc1)
		}
		size2 >>= 1
		if size2 == 0 {
			break
		}

		gf2MatrixSquare(&odd, &even)
		if size2&1 != 0 {
			crc1 = gf2MatrixTimes(&odd, crc1)
		}
		size2 >>= 1
	}
	return crc1 ^ crc2
}
