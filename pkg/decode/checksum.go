package decode

import (
	"encoding/binary"
	"hash/crc32"
)

// crc32Table is precomputed once; record formats in this codebase all use the
// IEEE polynomial for their trailing checksums.
var crc32Table = crc32.MakeTable(crc32.IEEE)

// ChecksumCRC32 computes the CRC32 (IEEE) of payload.
func ChecksumCRC32(payload []byte) uint32 {
	return crc32.Checksum(payload, crc32Table)
}

// AppendCRC32 appends the little-endian CRC32 of payload to it. Used to build
// well-formed records in fixtures and round-trip tests.
func AppendCRC32(payload []byte) []byte {
	sum := ChecksumCRC32(payload)
	return binary.LittleEndian.AppendUint32(payload, sum)
}

// VerifyTrailingCRC32 checks that the little-endian CRC32 stored in the last
// four bytes of record matches the checksum of the preceding payload. offset
// is the record's absolute position, used for error context only.
func VerifyTrailingCRC32(record []byte, offset int64) error {
	if len(record) < 4 {
		return Truncated(offset, 4, int64(len(record)))
	}
	payload := record[:len(record)-4]
	stored := binary.LittleEndian.Uint32(record[len(record)-4:])
	if sum := ChecksumCRC32(payload); sum != stored {
		return Malformedf(offset, "checksum mismatch: computed %#08x, stored %#08x", sum, stored)
	}
	return nil
}
