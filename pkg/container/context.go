package container

import "fmt"

// Summary is the final accounting of one container parse.
type Summary struct {
	Clean          int
	Recovered      int
	Corrupted      int
	CorruptedBytes int64
	// Truncated is set when the parse ended early because the input ran out
	// or no resync point existed before EOF. Records decoded before that
	// point remain valid.
	Truncated bool
}

// DecodeContext tracks the cursor and counters of one in-progress parse. It
// is created by Open, owned exclusively by that parse, and its final counter
// values are the parse summary. The offset is monotonically non-decreasing;
// the only way to move it past skipped bytes is SkipTo, which charges the
// skipped extent to the corrupted counters.
type DecodeContext struct {
	offset  int64
	bound   int64
	summary Summary
}

// NewDecodeContext builds a context covering [offset 0, bound).
func NewDecodeContext(bound int64) *DecodeContext {
	return &DecodeContext{bound: bound}
}

// Offset returns the current cursor position.
func (d *DecodeContext) Offset() int64 { return d.offset }

// Bound returns the context's upper bound (file size or declared arena end).
func (d *DecodeContext) Bound() int64 { return d.bound }

// Remaining returns the bytes left below the bound.
func (d *DecodeContext) Remaining() int64 { return d.bound - d.offset }

// Advance moves the cursor forward by the consumed size of a decoded record.
// consumed must be positive: a zero-byte record would loop forever.
func (d *DecodeContext) Advance(consumed int64) error {
	if consumed <= 0 {
		return fmt.Errorf("record consumed %d bytes; consumed size must be positive", consumed)
	}
	if d.offset+consumed > d.bound {
		return fmt.Errorf("advance to %d exceeds bound %d", d.offset+consumed, d.bound)
	}
	d.offset += consumed
	return nil
}

// SkipTo is the explicit, bounded resync move: it jumps the cursor forward to
// target and charges the skipped bytes as corrupted extent. Moving backwards
// is refused, preserving the monotonic-offset invariant.
func (d *DecodeContext) SkipTo(target int64) error {
	if target < d.offset {
		return fmt.Errorf("resync target %d is behind offset %d", target, d.offset)
	}
	if target > d.bound {
		return fmt.Errorf("resync target %d exceeds bound %d", target, d.bound)
	}
	d.summary.CorruptedBytes += target - d.offset
	d.offset = target
	return nil
}

// CountClean records one cleanly decoded record.
func (d *DecodeContext) CountClean() { d.summary.Clean++ }

// CountRecovered records one record reconstructed from deleted space.
func (d *DecodeContext) CountRecovered() { d.summary.Recovered++ }

// CountCorrupted records one unreadable record or skipped range.
func (d *DecodeContext) CountCorrupted() { d.summary.Corrupted++ }

// MarkTruncated flags the parse as having ended early.
func (d *DecodeContext) MarkTruncated() { d.summary.Truncated = true }

// Summary snapshots the counters. Callers take it after exhaustion; it is
// also valid mid-parse, e.g. after cancellation.
func (d *DecodeContext) Summary() Summary { return d.summary }
