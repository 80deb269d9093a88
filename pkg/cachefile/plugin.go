package cachefile

import (
	"fmt"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/events"
)

// DataTypeEntry tags events produced from cache entries.
const DataTypeEntry = "cache:entry"

// entryColumns is the exact column set an entry record must present. Cache
// files are a table-carrying family: applicability is exact presence of the
// required names, not a subset test.
var entryColumns = []string{"hash", "next", "key", "accessed", "created"}

// EntryPlugin turns cache entry records into access and creation events.
type EntryPlugin struct{}

func (EntryPlugin) Name() string { return "cachefile_entry" }

func (EntryPlugin) CheckApplicable(rec *container.RawRecord) bool {
	present := make(map[string]bool, len(rec.Columns))
	for _, c := range rec.Columns {
		present[c] = true
	}
	for _, want := range entryColumns {
		if !present[want] {
			return false
		}
	}
	return true
}

func (EntryPlugin) Process(sink events.Sink, rec *container.RawRecord) error {
	key, ok := rec.Fields["key"].(string)
	if !ok {
		return fmt.Errorf("entry at offset %d has no key", rec.Offset)
	}
	hash, _ := rec.Fields["hash"].(uint32)

	attrs := map[string]any{
		"key":  key,
		"hash": hash,
	}
	if accessed, ok := rec.Fields["accessed"].(uint64); ok && accessed != 0 {
		sink.Emit(events.EventData{
			DataType:      DataTypeEntry,
			Timestamp:     int64(accessed),
			TimestampDesc: events.DescAccess,
			Attributes:    attrs,
		})
	}
	if created, ok := rec.Fields["created"].(uint64); ok && created != 0 {
		sink.Emit(events.EventData{
			DataType:      DataTypeEntry,
			Timestamp:     int64(created),
			TimestampDesc: events.DescCreation,
			Attributes:    attrs,
		})
	}
	return nil
}
