// Package events defines the typed, format-independent output of the
// extraction pipeline and the sink interface it is delivered to.
package events

import "sync"

// Timestamp descriptions attached to EventData. The data_type plus the
// description fully identify what a timestamp means, so downstream consumers
// never need the originating parser to interpret an event.
const (
	DescAccess       = "access"
	DescChange       = "change"
	DescModification = "modification"
	DescCreation     = "creation"
	DescWritten      = "written"
	DescPosted       = "posted"
	DescRecorded     = "recorded"
)

// EventData is a single extracted event. It is immutable once produced by a
// plugin; ownership passes to the sink.
type EventData struct {
	// DataType uniquely identifies the attribute schema, e.g. "cache:entry".
	DataType string
	// Timestamp is the event time as a POSIX timestamp in microseconds.
	Timestamp int64
	// TimestampDesc states which notion of time Timestamp carries.
	TimestampDesc string
	// Attributes holds the format-specific named values.
	Attributes map[string]any
}

// Warning is a structured per-file diagnostic: a recoverable problem that did
// not stop the extraction.
type Warning struct {
	Parser  string
	Plugin  string // empty for container-level warnings
	Offset  int64  // -1 when no offset applies
	Message string
}

// Sink receives extracted events and structured warnings. Implementations are
// not required to be safe for concurrent use; one pipeline instance drives one
// sink.
type Sink interface {
	Emit(event EventData)
	EmitWarning(w Warning)
}

// Collector is a slice-backed Sink for tests and single-file extraction runs.
type Collector struct {
	mu       sync.Mutex
	Events   []EventData
	Warnings []Warning
}

func (c *Collector) Emit(event EventData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events = append(c.Events, event)
}

func (c *Collector) EmitWarning(w Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Warnings = append(c.Warnings, w)
}

// EventFilter decides whether an event is kept. See internal/filter for the
// CEL-backed implementation.
type EventFilter interface {
	Match(event EventData) (bool, error)
}

// FilteredSink forwards matching events to Next and silently drops the rest.
// Filter evaluation errors are surfaced as warnings rather than lost.
type FilteredSink struct {
	Next   Sink
	Filter EventFilter
}

func (f *FilteredSink) Emit(event EventData) {
	ok, err := f.Filter.Match(event)
	if err != nil {
		f.Next.EmitWarning(Warning{
			Parser:  event.DataType,
			Offset:  -1,
			Message: "event filter error: " + err.Error(),
		})
		return
	}
	if ok {
		f.Next.Emit(event)
	}
}

func (f *FilteredSink) EmitWarning(w Warning) { f.Next.EmitWarning(w) }
