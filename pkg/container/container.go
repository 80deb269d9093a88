// Package container defines the contracts shared by every artifact container
// parser: the pull-based record iteration interface, the per-parse decode
// context with its clean/recovered/corrupted accounting, the plugin interface
// records are offered to, and the bounded resync search used after mid-stream
// decode failures.
package container

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/twinfer/artifex/pkg/events"
)

// ErrExhausted is returned by Parser.Next once the record stream is finished.
// It is the normal terminal state, not a failure.
var ErrExhausted = errors.New("record stream exhausted")

// ErrUnsupportedFormat is returned by Parser.Open when the file is not an
// instance of the parser's format. The caller tries the next candidate; this
// is ordinary control flow, not an exceptional condition.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Source is the injected byte-access capability. The core performs no other
// I/O, so the surrounding system is free to supply buffered, cached or
// remote-backed access.
type Source interface {
	io.ReaderAt
	Size() int64
}

// BytesSource adapts an in-memory buffer to Source.
type BytesSource []byte

func (b BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b BytesSource) Size() int64 { return int64(len(b)) }

// ReaderAtSource adapts any io.ReaderAt with a known length to Source.
// afero and os files both satisfy io.ReaderAt.
type ReaderAtSource struct {
	R io.ReaderAt
	N int64
}

func (r ReaderAtSource) ReadAt(p []byte, off int64) (int, error) { return r.R.ReadAt(p, off) }
func (r ReaderAtSource) Size() int64                             { return r.N }

// RawRecord is one format-specific record surfaced by a container parser.
type RawRecord struct {
	// Offset is the record's absolute position in the source.
	Offset int64
	// Size is the number of bytes the record consumed. Always > 0 for a
	// successfully decoded record; the record loop relies on that to
	// terminate.
	Size int64
	// Recovered marks records reconstructed from space the format itself
	// considers deleted or overwritten.
	Recovered bool
	// Payload holds the record's raw value bytes where a format keeps an
	// opaque body (biome protobuf blobs, journal data payloads).
	Payload []byte
	// Fields holds decoded header and body values keyed by field name.
	// Schema-carrying formats expose their observed field set here; plugins
	// run subset tests against the keys.
	Fields map[string]any
	// Columns lists table/column names for table-carrying formats. Plugins
	// for those formats run exact-presence tests against it. The two match
	// disciplines are deliberately distinct per format family.
	Columns []string
}

// Parser is the closed container-parser interface. Implementations open one
// file, validate its header and expose a finite, single-pass, offset-ordered
// record sequence. A Parser instance owns a fresh DecodeContext per Open and
// holds no state shared across instances.
type Parser interface {
	Name() string

	// Open validates the header. ErrUnsupportedFormat means "not this
	// format, try the next candidate". A truncated header is terminal for
	// the file: decode.TruncatedError is returned as-is.
	Open(ctx context.Context, src Source) error

	// Next returns the next record, or ErrExhausted once the stream is
	// finished. Mid-stream decode failures are absorbed: the parser counts
	// them, attempts resync and keeps going, so Next only fails terminally.
	Next(ctx context.Context) (*RawRecord, error)

	// Summary reports the parse counters. It is valid after exhaustion and
	// after a cancelled or truncated parse.
	Summary() Summary
}

// Plugin interprets raw records of one sub-format into typed events. Multiple
// plugins may independently claim the same record; the pipeline performs no
// deduplication.
type Plugin interface {
	Name() string

	// CheckApplicable must be a pure function of the record's observed
	// schema: same record, same answer, every call.
	CheckApplicable(rec *RawRecord) bool

	// Process emits zero or more events for the record. A returned error is
	// isolated to this (plugin, record) pair by the pipeline.
	Process(sink events.Sink, rec *RawRecord) error
}

// WarnFunc receives container-level diagnostics: recoverable problems at a
// known offset that did not stop the parse.
type WarnFunc func(offset int64, message string)

// Options carries the ambient dependencies every container parser accepts.
type Options struct {
	Logger *slog.Logger
	Warn   WarnFunc
}

// Option configures container parser construction.
type Option func(*Options)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithWarnFunc routes container diagnostics to the caller, typically into the
// event sink's warning channel.
func WithWarnFunc(warn WarnFunc) Option {
	return func(o *Options) { o.Warn = warn }
}

// BuildOptions applies opts over defaults: slog.Default and a warn func that
// logs at Warn level.
func BuildOptions(opts []Option) Options {
	o := Options{Logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Warn == nil {
		logger := o.Logger
		o.Warn = func(offset int64, message string) {
			logger.Warn(message, "offset", offset)
		}
	}
	return o
}
