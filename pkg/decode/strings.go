package decode

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// PrefixedStringU2LE reads a UTF-8 string prefixed by a little-endian uint16
// byte length.
func (r *Reader) PrefixedStringU2LE() (string, error) {
	n, err := r.U2LE()
	if err != nil {
		return "", err
	}
	return r.utf8String(int64(n))
}

// PrefixedStringU4LE reads a UTF-8 string prefixed by a little-endian uint32
// byte length.
func (r *Reader) PrefixedStringU4LE() (string, error) {
	n, err := r.U4LE()
	if err != nil {
		return "", err
	}
	return r.utf8String(int64(n))
}

func (r *Reader) utf8String(n int64) (string, error) {
	start := r.Pos()
	b, err := r.Bytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", Malformedf(start, "string is not valid UTF-8")
	}
	return string(b), nil
}

// UTF16LEString reads n bytes and decodes them as UTF-16 little-endian,
// stopping at the first NUL code unit. n must be even.
func (r *Reader) UTF16LEString(n int64) (string, error) {
	start := r.Pos()
	if n%2 != 0 {
		return "", Malformedf(start, "UTF-16 string length %d is odd", n)
	}
	b, err := r.Bytes(n)
	if err != nil {
		return "", err
	}
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}
	decoded, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", Malformedf(start, "UTF-16 decode: %v", err)
	}
	return string(decoded), nil
}

// CString reads a NUL-terminated UTF-8 string of at most max bytes (excluding
// the terminator) and leaves the cursor after the terminator. A missing
// terminator within the bound is malformed.
func (r *Reader) CString(max int64) (string, error) {
	start := r.Pos()
	window := max + 1
	if rem := r.Remaining(); window > rem {
		window = rem
	}
	b, err := r.Bytes(window)
	if err != nil {
		return "", err
	}
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", Malformedf(start, "unterminated string within %d bytes", max)
	}
	if err := r.SeekTo(start + int64(i) + 1); err != nil {
		return "", err
	}
	if !utf8.Valid(b[:i]) {
		return "", Malformedf(start, "string is not valid UTF-8")
	}
	return string(b[:i]), nil
}
