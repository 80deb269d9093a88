// Package decode provides the endianness-aware primitive decoding layer shared
// by every container parser: fixed-width integers, length-prefixed and UTF-16
// strings, trailing checksums and bit-packed fields, all with 64-bit-safe
// offset arithmetic.
//
// Every failure is one of exactly two kinds: a TruncatedError (the input ran
// out) or a MalformedError (the bytes are there but wrong). Callers use the
// distinction to decide between ending a parse early and attempting a resync.
package decode

import (
	"errors"
	"io"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
)

// Reader decodes primitives from an io.ReaderAt with a known size. It wraps a
// kaitai.Stream for the actual byte-level reads and translates the stream's
// EOF conditions into TruncatedError values carrying absolute offsets.
//
// A Reader is owned by a single in-progress parse and is not safe for
// concurrent use.
type Reader struct {
	stream *kaitai.Stream
	size   int64
}

// NewReader builds a Reader over the first size bytes of src.
func NewReader(src io.ReaderAt, size int64) *Reader {
	return &Reader{
		stream: kaitai.NewStream(io.NewSectionReader(src, 0, size)),
		size:   size,
	}
}

// NewBytesReader builds a Reader over an in-memory buffer.
func NewBytesReader(data []byte) *Reader {
	return NewReader(newByteSource(data), int64(len(data)))
}

type byteSource struct{ data []byte }

func newByteSource(data []byte) *byteSource { return &byteSource{data: data} }

func (b *byteSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Pos returns the current absolute offset.
func (r *Reader) Pos() int64 {
	pos, err := r.stream.Pos()
	if err != nil {
		return 0
	}
	return pos
}

// Size returns the total number of readable bytes.
func (r *Reader) Size() int64 { return r.size }

// Remaining returns the number of bytes between the cursor and the end.
func (r *Reader) Remaining() int64 { return r.size - r.Pos() }

// SeekTo positions the cursor at an absolute offset. Seeking past the end is a
// truncation, not a panic: declared offsets in corrupted headers routinely
// point beyond the file.
func (r *Reader) SeekTo(offset int64) error {
	if offset < 0 {
		return Malformedf(offset, "negative seek offset")
	}
	if offset > r.size {
		return Truncated(offset, 0, r.size-offset)
	}
	if _, err := r.stream.Seek(offset, io.SeekStart); err != nil {
		return Malformedf(offset, "seek: %v", err)
	}
	return nil
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int64) error {
	if n < 0 {
		return Malformedf(r.Pos(), "negative skip length %d", n)
	}
	return r.SeekTo(r.Pos() + n)
}

// AlignTo advances the cursor to the next multiple of n bytes, if it is not on
// one already. n must be a power of two.
func (r *Reader) AlignTo(n int64) error {
	pos := r.Pos()
	rem := pos & (n - 1)
	if rem == 0 {
		return nil
	}
	return r.SeekTo(pos + n - rem)
}

// need guards a fixed-width read. The underlying stream issues one Read per
// value, and a section reader may legally return a short read with a nil
// error at EOF, which would yield a garbage value instead of a truncation.
// Checking the remaining extent up front closes that hole.
func (r *Reader) need(n int64) error {
	rem := r.Remaining()
	if rem < 0 {
		rem = 0
	}
	if rem < n {
		return Truncated(r.Pos(), n, rem)
	}
	return nil
}

// wrap converts stream-level read failures into the truncated/malformed split.
func (r *Reader) wrap(err error, start, want int64) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		have := r.size - start
		if have < 0 {
			have = 0
		}
		return Truncated(start, want, have)
	}
	return Malformedf(start, "read: %v", err)
}

// U1 reads one unsigned byte.
func (r *Reader) U1() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	start := r.Pos()
	v, err := r.stream.ReadU1()
	return v, r.wrap(err, start, 1)
}

// U2LE reads a little-endian uint16.
func (r *Reader) U2LE() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	start := r.Pos()
	v, err := r.stream.ReadU2le()
	return v, r.wrap(err, start, 2)
}

// U2BE reads a big-endian uint16.
func (r *Reader) U2BE() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	start := r.Pos()
	v, err := r.stream.ReadU2be()
	return v, r.wrap(err, start, 2)
}

// U4LE reads a little-endian uint32.
func (r *Reader) U4LE() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	start := r.Pos()
	v, err := r.stream.ReadU4le()
	return v, r.wrap(err, start, 4)
}

// U4BE reads a big-endian uint32.
func (r *Reader) U4BE() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	start := r.Pos()
	v, err := r.stream.ReadU4be()
	return v, r.wrap(err, start, 4)
}

// U8LE reads a little-endian uint64.
func (r *Reader) U8LE() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	start := r.Pos()
	v, err := r.stream.ReadU8le()
	return v, r.wrap(err, start, 8)
}

// U8BE reads a big-endian uint64.
func (r *Reader) U8BE() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	start := r.Pos()
	v, err := r.stream.ReadU8be()
	return v, r.wrap(err, start, 8)
}

// S4LE reads a little-endian int32.
func (r *Reader) S4LE() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	start := r.Pos()
	v, err := r.stream.ReadS4le()
	return v, r.wrap(err, start, 4)
}

// S8LE reads a little-endian int64.
func (r *Reader) S8LE() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	start := r.Pos()
	v, err := r.stream.ReadS8le()
	return v, r.wrap(err, start, 8)
}

// F8LE reads a little-endian float64.
func (r *Reader) F8LE() (float64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	start := r.Pos()
	v, err := r.stream.ReadF8le()
	return v, r.wrap(err, start, 8)
}

// Bytes reads exactly n bytes.
func (r *Reader) Bytes(n int64) ([]byte, error) {
	start := r.Pos()
	if n < 0 {
		return nil, Malformedf(start, "negative byte count %d", n)
	}
	if n == 0 {
		return []byte{}, nil
	}
	if rem := r.Remaining(); n > rem {
		return nil, Truncated(start, n, rem)
	}
	b, err := r.stream.ReadBytes(int(n))
	return b, r.wrap(err, start, n)
}

// BitsBE reads n bits as a big-endian bit-packed integer.
func (r *Reader) BitsBE(n int) (uint64, error) {
	start := r.Pos()
	v, err := r.stream.ReadBitsIntBe(n)
	return v, r.wrap(err, start, int64((n+7)/8))
}

// BitsLE reads n bits as a little-endian bit-packed integer.
func (r *Reader) BitsLE(n int) (uint64, error) {
	start := r.Pos()
	v, err := r.stream.ReadBitsIntLe(n)
	return v, r.wrap(err, start, int64((n+7)/8))
}

// AlignToByte discards any partially consumed byte from a bit-level read.
func (r *Reader) AlignToByte() { r.stream.AlignToByte() }

// EOF reports whether the cursor is at or past the end of the input.
func (r *Reader) EOF() bool { return r.Pos() >= r.size }
