package evtlog

import (
	"fmt"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/events"
)

// DataTypeRecord tags events produced from event log records.
const DataTypeRecord = "evtlog:record"

var recordColumns = []string{"record_number", "event_id", "source", "posted", "written"}

// RecordPlugin turns event log records into posted and written events.
type RecordPlugin struct{}

func (RecordPlugin) Name() string { return "evtlog_record" }

func (RecordPlugin) CheckApplicable(rec *container.RawRecord) bool {
	present := make(map[string]bool, len(rec.Columns))
	for _, c := range rec.Columns {
		present[c] = true
	}
	for _, want := range recordColumns {
		if !present[want] {
			return false
		}
	}
	return true
}

func (RecordPlugin) Process(sink events.Sink, rec *container.RawRecord) error {
	eventID, ok := rec.Fields["event_id"].(uint32)
	if !ok {
		return fmt.Errorf("record at offset %d has no event id", rec.Offset)
	}
	recordNumber, _ := rec.Fields["record_number"].(uint32)
	source, _ := rec.Fields["source"].(string)

	attrs := map[string]any{
		"event_id":      eventID,
		"record_number": recordNumber,
		"source":        source,
		"recovered":     rec.Recovered,
	}
	if posted, ok := rec.Fields["posted"].(uint32); ok && posted != 0 {
		sink.Emit(events.EventData{
			DataType:      DataTypeRecord,
			Timestamp:     int64(posted) * 1_000_000,
			TimestampDesc: events.DescPosted,
			Attributes:    attrs,
		})
	}
	if written, ok := rec.Fields["written"].(uint32); ok && written != 0 {
		sink.Emit(events.EventData{
			DataType:      DataTypeRecord,
			Timestamp:     int64(written) * 1_000_000,
			TimestampDesc: events.DescWritten,
			Attributes:    attrs,
		})
	}
	return nil
}
