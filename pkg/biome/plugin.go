package biome

import (
	"fmt"
	"strings"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/events"
)

// DataTypeItem tags events produced from stream store records.
const DataTypeItem = "biome:stream:item"

// macEpochOffset converts seconds since 2001-01-01 to POSIX seconds.
const macEpochOffset = 978307200

// Field kinds as observed by the payload walker.
const (
	KindUint   = "uint"
	KindFloat  = "float"
	KindString = "string"
	KindBytes  = "bytes"
)

func kindOf(v any) string {
	switch v.(type) {
	case uint64, uint32:
		return KindUint
	case float64:
		return KindFloat
	case string:
		return KindString
	case []byte:
		return KindBytes
	default:
		return ""
	}
}

// StreamItemPlugin turns stream store records into events. Records carry no
// fixed layout, so applicability is a subset test: every required field
// number must be present with the required kind.
type StreamItemPlugin struct {
	// Required maps decimal protobuf field numbers to expected kinds.
	// Nil means the default requirement of a varint in field 1.
	Required map[string]string
}

func (StreamItemPlugin) Name() string { return "biome_stream_item" }

func (p StreamItemPlugin) required() map[string]string {
	if p.Required != nil {
		return p.Required
	}
	return map[string]string{"1": KindUint}
}

func (p StreamItemPlugin) CheckApplicable(rec *container.RawRecord) bool {
	for field, kind := range p.required() {
		v, ok := rec.Fields[field]
		if !ok || kindOf(v) != kind {
			return false
		}
	}
	return true
}

// Process emits one event per record, timestamped from the wrapper creation
// time. Payload fields become attributes keyed "field_<n>"; the wrapper
// state rides along.
func (p StreamItemPlugin) Process(sink events.Sink, rec *container.RawRecord) error {
	creation, ok := rec.Fields["_creation"].(float64)
	if !ok {
		return fmt.Errorf("record at offset %d has no creation time", rec.Offset)
	}

	attrs := map[string]any{}
	if state, ok := rec.Fields["_state"].(uint32); ok {
		attrs["state"] = state
	}
	if expiry, ok := rec.Fields["_expiry"].(float64); ok && expiry != 0 {
		attrs["expiry"] = int64((expiry + macEpochOffset) * 1_000_000)
	}
	for k, v := range rec.Fields {
		if strings.HasPrefix(k, "_") {
			continue
		}
		attrs["field_"+k] = v
	}

	sink.Emit(events.EventData{
		DataType:      DataTypeItem,
		Timestamp:     int64((creation + macEpochOffset) * 1_000_000),
		TimestampDesc: events.DescRecorded,
		Attributes:    attrs,
	})
	return nil
}
