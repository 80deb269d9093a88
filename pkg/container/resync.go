package container

import (
	"errors"
	"io"
)

// ErrNoResync is returned when no plausible record boundary exists between
// the failure point and the bound. The container parse ends with a truncated
// status; everything decoded before the failure is preserved.
var ErrNoResync = errors.New("no resync point before end of data")

// Probe inspects a candidate window and reports whether it looks like the
// start of a record: a magic value, a length-consistent slot, an alignment
// pattern. The window may be shorter than requested near the bound.
type Probe func(window []byte) bool

const resyncChunk = 4096

// Resync searches forward from `from` (exclusive of nothing: `from` itself is
// the first candidate) for the next offset whose window satisfies probe. The
// search is bounded by `bound`; window is the number of bytes handed to the
// probe at each candidate position.
//
// The scan advances one byte at a time but reads in chunks, so the cost is
// linear in the skipped extent with no re-reading. I/O errors surface as-is.
func Resync(src Source, from, bound int64, window int, probe Probe) (int64, error) {
	if window <= 0 {
		window = 1
	}
	if bound > src.Size() {
		bound = src.Size()
	}
	buf := make([]byte, resyncChunk+window-1)
	for pos := from; pos < bound; pos += resyncChunk {
		want := int64(len(buf))
		if pos+want > bound {
			want = bound - pos
		}
		n, err := src.ReadAt(buf[:want], pos)
		if err != nil && err != io.EOF {
			return 0, err
		}
		chunk := buf[:n]
		limit := len(chunk)
		if int64(limit) > resyncChunk {
			limit = resyncChunk
		}
		for i := 0; i < limit; i++ {
			end := i + window
			if end > len(chunk) {
				end = len(chunk)
			}
			if probe(chunk[i:end]) {
				return pos + int64(i), nil
			}
		}
	}
	return 0, ErrNoResync
}
