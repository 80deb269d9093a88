package decode

import (
	"errors"
	"fmt"
)

// TruncatedError reports that the input ended before a structural read could
// complete. Containers treat it as "stop here, keep what we have".
type TruncatedError struct {
	Offset int64 // absolute file offset where the read started
	Want   int64 // bytes needed
	Have   int64 // bytes actually available
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated data at offset %d: want %d bytes, have %d", e.Offset, e.Want, e.Have)
}

// MalformedError reports that bytes were present but failed a structural or
// checksum check. Containers treat it as "count as corrupted, try to resync".
type MalformedError struct {
	Offset int64
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed data at offset %d: %s", e.Offset, e.Reason)
}

// Truncated builds a TruncatedError for a read of want bytes at offset with
// have bytes remaining.
func Truncated(offset, want, have int64) error {
	return &TruncatedError{Offset: offset, Want: want, Have: have}
}

// Malformedf builds a MalformedError at offset with a formatted reason.
func Malformedf(offset int64, format string, args ...any) error {
	return &MalformedError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// IsTruncated reports whether err is (or wraps) a TruncatedError.
func IsTruncated(err error) bool {
	var te *TruncatedError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is (or wraps) a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
