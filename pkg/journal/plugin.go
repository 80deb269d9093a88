package journal

import (
	"fmt"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/events"
)

// DataTypeEntry tags events produced from journal entries.
const DataTypeEntry = "journal:entry"

// FieldKind names the decoded Go shape of a field value, the "type" half of
// the schema a plugin requires.
type FieldKind int

const (
	KindString FieldKind = iota
	KindUint
)

func kindOf(v any) (FieldKind, bool) {
	switch v.(type) {
	case string:
		return KindString, true
	case uint64:
		return KindUint, true
	default:
		return 0, false
	}
}

// EntryFieldsPlugin interprets entries carrying a required field schema.
// Journals are a schema-carrying family: applicability is a subset test, the
// required {field -> kind} set must be contained in the observed set, and
// extra fields are tolerated.
type EntryFieldsPlugin struct {
	// Required is the field schema this plugin insists on. The zero value
	// uses DefaultRequiredFields.
	Required map[string]FieldKind
}

// DefaultRequiredFields is the schema of a minimal message-bearing entry.
var DefaultRequiredFields = map[string]FieldKind{
	"MESSAGE":        KindString,
	"_realtime_usec": KindUint,
}

func (p EntryFieldsPlugin) required() map[string]FieldKind {
	if p.Required != nil {
		return p.Required
	}
	return DefaultRequiredFields
}

func (p EntryFieldsPlugin) Name() string { return "journal_entry_fields" }

func (p EntryFieldsPlugin) CheckApplicable(rec *container.RawRecord) bool {
	for name, kind := range p.required() {
		v, ok := rec.Fields[name]
		if !ok {
			return false
		}
		got, ok := kindOf(v)
		if !ok || got != kind {
			return false
		}
	}
	return true
}

func (p EntryFieldsPlugin) Process(sink events.Sink, rec *container.RawRecord) error {
	realtime, ok := rec.Fields["_realtime_usec"].(uint64)
	if !ok {
		return fmt.Errorf("entry at offset %d has no realtime timestamp", rec.Offset)
	}

	attrs := make(map[string]any, len(rec.Fields))
	for name, v := range rec.Fields {
		if name[0] == '_' {
			continue // entry metadata, not a logged field
		}
		attrs[name] = v
	}
	if seq, ok := rec.Fields["_seqnum"].(uint64); ok {
		attrs["seqnum"] = seq
	}

	sink.Emit(events.EventData{
		DataType:      DataTypeEntry,
		Timestamp:     int64(realtime),
		TimestampDesc: events.DescWritten,
		Attributes:    attrs,
	})
	return nil
}
