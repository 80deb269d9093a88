// Package sigscan holds the format specification store: byte-pattern
// signatures at known offsets, used to cheaply shortlist candidate container
// parsers for a file before any full parse is attempted.
package sigscan

import (
	"bytes"
	"fmt"
	"sort"
)

// Signature is an immutable byte pattern at a fixed offset. A negative offset
// is relative to end-of-file.
type Signature struct {
	Pattern []byte
	Offset  int64
}

// FormatSpecification binds a parser name to its signatures. A specification
// with no signatures is heuristic-only: it is shortlisted after every
// signature match, in registration order.
type FormatSpecification struct {
	Parser     string
	Signatures []Signature
}

// DuplicateSignatureError reports an identical (pattern, offset) pair bound to
// two different parsers. This is a startup configuration error, never a
// parse-time condition.
type DuplicateSignatureError struct {
	Parser   string // parser being registered
	Existing string // parser already owning the signature
	Sig      Signature
}

func (e *DuplicateSignatureError) Error() string {
	return fmt.Sprintf("duplicate signature (pattern %x, offset %d): already bound to parser %q, cannot bind to %q",
		e.Sig.Pattern, e.Sig.Offset, e.Existing, e.Parser)
}

type boundSignature struct {
	parser string
	sig    Signature
	order  int // registration order, tie-break after pattern length
}

// Store is the process-wide signature catalog. It is populated once at
// startup and read-only afterwards, so Scan needs no locking.
type Store struct {
	signatures []boundSignature
	heuristics []string // parsers registered with no signatures
	parsers    map[string]bool
}

// NewStore returns an empty signature store.
func NewStore() *Store {
	return &Store{parsers: make(map[string]bool)}
}

// Add registers a format specification. Identical (pattern, offset) pairs may
// be re-registered by the same parser; binding one to a second parser fails.
func (s *Store) Add(spec FormatSpecification) error {
	if spec.Parser == "" {
		return fmt.Errorf("format specification has no parser name")
	}
	for _, sig := range spec.Signatures {
		if len(sig.Pattern) == 0 {
			return fmt.Errorf("parser %q: signature with empty pattern", spec.Parser)
		}
		for _, existing := range s.signatures {
			if existing.sig.Offset == sig.Offset && bytes.Equal(existing.sig.Pattern, sig.Pattern) {
				if existing.parser != spec.Parser {
					return &DuplicateSignatureError{Parser: spec.Parser, Existing: existing.parser, Sig: sig}
				}
			}
		}
	}
	s.parsers[spec.Parser] = true
	if len(spec.Signatures) == 0 {
		for _, h := range s.heuristics {
			if h == spec.Parser {
				return nil
			}
		}
		s.heuristics = append(s.heuristics, spec.Parser)
		return nil
	}
	for _, sig := range spec.Signatures {
		pattern := append([]byte(nil), sig.Pattern...)
		s.signatures = append(s.signatures, boundSignature{
			parser: spec.Parser,
			sig:    Signature{Pattern: pattern, Offset: sig.Offset},
			order:  len(s.signatures),
		})
	}
	return nil
}

// HeaderWindow returns how many leading bytes Scan needs to evaluate every
// positive-offset signature, including interior offsets.
func (s *Store) HeaderWindow() int64 {
	var max int64
	for _, b := range s.signatures {
		if b.sig.Offset < 0 {
			continue
		}
		if end := b.sig.Offset + int64(len(b.sig.Pattern)); end > max {
			max = end
		}
	}
	return max
}

// FooterWindow returns how many trailing bytes Scan needs for every
// negative-offset signature.
func (s *Store) FooterWindow() int64 {
	var max int64
	for _, b := range s.signatures {
		if b.sig.Offset >= 0 {
			continue
		}
		if n := -b.sig.Offset; n > max {
			max = n
		}
	}
	return max
}

// Scan shortlists parsers whose signatures match the supplied byte windows.
// header holds the file's leading bytes, footer its trailing bytes, fileSize
// the total length. Signatures whose offset falls outside the supplied
// windows simply do not match; that is never an error.
//
// Matches are ordered longest-pattern first; exact length ties break on
// registration order. Heuristic-only parsers follow all signature matches.
func (s *Store) Scan(header, footer []byte, fileSize int64) []string {
	type match struct {
		parser string
		length int
		order  int
	}
	var matches []match
	for _, b := range s.signatures {
		var window []byte
		var idx int64
		if b.sig.Offset >= 0 {
			window = header
			idx = b.sig.Offset
		} else {
			pos := fileSize + b.sig.Offset
			if pos < 0 {
				continue
			}
			window = footer
			idx = pos - (fileSize - int64(len(footer)))
		}
		if idx < 0 || idx+int64(len(b.sig.Pattern)) > int64(len(window)) {
			continue
		}
		if bytes.Equal(window[idx:idx+int64(len(b.sig.Pattern))], b.sig.Pattern) {
			matches = append(matches, match{parser: b.parser, length: len(b.sig.Pattern), order: b.order})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].length != matches[j].length {
			return matches[i].length > matches[j].length
		}
		return matches[i].order < matches[j].order
	})

	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if !seen[m.parser] {
			seen[m.parser] = true
			out = append(out, m.parser)
		}
	}
	for _, h := range s.heuristics {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// Parsers returns every parser name known to the store.
func (s *Store) Parsers() []string {
	out := make([]string, 0, len(s.parsers))
	for p := range s.parsers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
