package bodyfile

import (
	"fmt"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/events"
)

// DataTypeEntry tags events produced from bodyfile lines.
const DataTypeEntry = "fs:bodyfile:entry"

// timestampColumns maps each timestamp field to the description its events
// carry. A zero value in any of them means "no such event", not "event at
// the epoch".
var timestampColumns = []struct {
	field string
	desc  string
}{
	{"access_time", events.DescAccess},
	{"change_time", events.DescChange},
	{"modification_time", events.DescModification},
	{"creation_time", events.DescCreation},
}

// EntryPlugin turns bodyfile lines into one event per nonzero timestamp.
type EntryPlugin struct{}

func (EntryPlugin) Name() string { return "bodyfile_entry" }

func (EntryPlugin) CheckApplicable(rec *container.RawRecord) bool {
	present := make(map[string]bool, len(rec.Columns))
	for _, c := range rec.Columns {
		present[c] = true
	}
	for _, want := range columnNames {
		if !present[want] {
			return false
		}
	}
	return true
}

func (EntryPlugin) Process(sink events.Sink, rec *container.RawRecord) error {
	name, ok := rec.Fields["name"].(string)
	if !ok {
		return fmt.Errorf("line at offset %d has no filename", rec.Offset)
	}

	attrs := map[string]any{
		"filename": name,
		"inode":    rec.Fields["inode"],
		"mode":     rec.Fields["mode"],
		"owner":    rec.Fields["uid"],
		"group":    rec.Fields["gid"],
		"size":     rec.Fields["size"],
	}
	if md5, ok := rec.Fields["md5"].(string); ok && md5 != "" && md5 != "0" {
		attrs["md5"] = md5
	}

	for _, tc := range timestampColumns {
		ts, ok := rec.Fields[tc.field].(uint64)
		if !ok || ts == 0 {
			continue
		}
		sink.Emit(events.EventData{
			DataType:      DataTypeEntry,
			Timestamp:     int64(ts) * 1_000_000,
			TimestampDesc: tc.desc,
			Attributes:    attrs,
		})
	}
	return nil
}
