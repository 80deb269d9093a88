package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Primitives(t *testing.T) {
	data := []byte{
		0x42,                   // u1
		0x34, 0x12,             // u2le
		0x12, 0x34,             // u2be
		0x78, 0x56, 0x34, 0x12, // u4le
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F, // u8le
	}
	r := NewBytesReader(data)

	v1, err := r.U1()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x42), v1)

	v2, err := r.U2LE()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v2)

	v3, err := r.U2BE()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v3)

	v4, err := r.U4LE()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v4)

	v5, err := r.U8LE()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7FFFFFFFFFFFFFFF), v5)

	assert.True(t, r.EOF())
	assert.Equal(t, int64(17), r.Pos())
}

func TestReader_TruncationCarriesOffsets(t *testing.T) {
	r := NewBytesReader([]byte{0x01, 0x02})
	_, err := r.U1()
	require.NoError(t, err)

	_, err = r.U4LE()
	require.Error(t, err)
	require.True(t, IsTruncated(err))
	var te *TruncatedError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(1), te.Offset)
	assert.Equal(t, int64(4), te.Want)
	assert.Equal(t, int64(1), te.Have)
}

func TestReader_ShortInputNeverYieldsValue(t *testing.T) {
	// A section reader may answer a fixed-width read with fewer bytes and a
	// nil error. The reader must surface that as a truncation with a zero
	// value, never as a partially filled integer.
	r := NewBytesReader([]byte{0xAA, 0xBB})
	v, err := r.U4LE()
	assert.Equal(t, uint32(0), v)
	require.Error(t, err)
	var te *TruncatedError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(0), te.Offset)
	assert.Equal(t, int64(4), te.Want)
	assert.Equal(t, int64(2), te.Have)

	// The cursor must not move past the failed read.
	assert.Equal(t, int64(0), r.Pos())

	reads := []struct {
		name string
		want int64
		fn   func(*Reader) error
	}{
		{"u2le", 2, func(r *Reader) error { _, err := r.U2LE(); return err }},
		{"u2be", 2, func(r *Reader) error { _, err := r.U2BE(); return err }},
		{"u4be", 4, func(r *Reader) error { _, err := r.U4BE(); return err }},
		{"u8le", 8, func(r *Reader) error { _, err := r.U8LE(); return err }},
		{"u8be", 8, func(r *Reader) error { _, err := r.U8BE(); return err }},
		{"s4le", 4, func(r *Reader) error { _, err := r.S4LE(); return err }},
		{"s8le", 8, func(r *Reader) error { _, err := r.S8LE(); return err }},
		{"f8le", 8, func(r *Reader) error { _, err := r.F8LE(); return err }},
	}
	for _, tt := range reads {
		t.Run(tt.name, func(t *testing.T) {
			r := NewBytesReader([]byte{0x01})
			err := tt.fn(r)
			var te *TruncatedError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.want, te.Want)
			assert.Equal(t, int64(1), te.Have)
		})
	}
}

func TestReader_Bytes(t *testing.T) {
	r := NewBytesReader([]byte{1, 2, 3, 4})

	b, err := r.Bytes(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	_, err = r.Bytes(2)
	assert.True(t, IsTruncated(err))

	_, err = r.Bytes(-1)
	assert.True(t, IsMalformed(err))
}

func TestReader_SeekAndAlign(t *testing.T) {
	r := NewBytesReader(make([]byte, 32))

	require.NoError(t, r.SeekTo(5))
	require.NoError(t, r.AlignTo(8))
	assert.Equal(t, int64(8), r.Pos())

	require.NoError(t, r.AlignTo(8)) // already aligned, no move
	assert.Equal(t, int64(8), r.Pos())

	err := r.SeekTo(40)
	assert.True(t, IsTruncated(err))

	err = r.SeekTo(-1)
	assert.True(t, IsMalformed(err))
}

func TestReader_PrefixedString(t *testing.T) {
	r := NewBytesReader([]byte{0x05, 0x00, 'h', 'e', 'l', 'l', 'o'})
	s, err := r.PrefixedStringU2LE()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	// Declared length exceeds remaining bytes.
	r = NewBytesReader([]byte{0xFF, 0x00, 'x'})
	_, err = r.PrefixedStringU2LE()
	assert.True(t, IsTruncated(err))
}

func TestReader_UTF16LEString(t *testing.T) {
	// "Ab" followed by a NUL terminator and trailing slack.
	data := []byte{'A', 0x00, 'b', 0x00, 0x00, 0x00, 0xFF, 0xFE}
	r := NewBytesReader(data)
	s, err := r.UTF16LEString(8)
	require.NoError(t, err)
	assert.Equal(t, "Ab", s)
	assert.Equal(t, int64(8), r.Pos(), "cursor consumes the full declared extent")

	r = NewBytesReader(data)
	_, err = r.UTF16LEString(3)
	assert.True(t, IsMalformed(err), "odd byte count")
}

func TestReader_CString(t *testing.T) {
	r := NewBytesReader([]byte{'a', 'b', 0x00, 'z'})
	s, err := r.CString(16)
	require.NoError(t, err)
	assert.Equal(t, "ab", s)
	assert.Equal(t, int64(3), r.Pos())

	r = NewBytesReader([]byte{'a', 'b', 'c', 'd'})
	_, err = r.CString(2)
	assert.True(t, IsMalformed(err))
}

func TestChecksum_RoundTrip(t *testing.T) {
	payload := []byte("partial evidence record")
	record := AppendCRC32(append([]byte{}, payload...))

	require.NoError(t, VerifyTrailingCRC32(record, 0))

	// Flipping any single payload byte must yield MalformedData, never a crash.
	for i := range record[:len(record)-4] {
		corrupted := append([]byte{}, record...)
		corrupted[i] ^= 0x01
		err := VerifyTrailingCRC32(corrupted, 128)
		require.Error(t, err, "flipped byte %d", i)
		assert.True(t, IsMalformed(err))
		var me *MalformedError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, int64(128), me.Offset)
	}
}

func TestChecksum_ShortRecord(t *testing.T) {
	err := VerifyTrailingCRC32([]byte{1, 2}, 0)
	assert.True(t, IsTruncated(err))
}

func TestBits(t *testing.T) {
	tests := []struct {
		name      string
		v         uint64
		lo, width uint
		want      uint64
	}{
		{"low nibble", 0xAB, 0, 4, 0xB},
		{"high nibble", 0xAB, 4, 4, 0xA},
		{"middle field", 0x0012_3400, 8, 16, 0x1234},
		{"full width", 0xFFFF_FFFF_FFFF_FFFF, 0, 64, 0xFFFF_FFFF_FFFF_FFFF},
		{"width clamped at 64", 0xFF00_0000_0000_0000, 56, 32, 0xFF},
		{"zero width", 0xFF, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Bits(tt.v, tt.lo, tt.width))
		})
	}

	assert.True(t, Bit(0x80, 7))
	assert.False(t, Bit(0x80, 6))
	assert.False(t, Bit(0x80, 200))
}

func TestMaskToWidth(t *testing.T) {
	assert.Equal(t, uint64(0x7FFFFFFFFFFFFFFF), MaskToWidth(0xFFFFFFFFFFFFFFFF, 63))
	assert.Equal(t, uint64(5), MaskToWidth(5, 63))
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFF), MaskToWidth(0xFFFFFFFFFFFFFFFF, 64))
}

func TestReader_BitsBE(t *testing.T) {
	// 0b1010_1100 -> top 3 bits = 0b101, next 5 = 0b01100.
	r := NewBytesReader([]byte{0xAC})
	v, err := r.BitsBE(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b101), v)

	v, err = r.BitsBE(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b01100), v)
}
