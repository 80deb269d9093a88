package journal

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/events"
)

var le = binary.LittleEndian

type fixture struct{ buf []byte }

func newFixture(size int) *fixture { return &fixture{buf: make([]byte, size)} }

// header writes the spec'd geometry: data hash table at 400 size 200, field
// hash table at 600 size 100, so the arena bound is 700.
func (f *fixture) header(entryArrayOffset, entryCount uint64) {
	copy(f.buf, Signature)
	le.PutUint64(f.buf[16:], 400) // data hash table offset
	le.PutUint64(f.buf[24:], 200) // data hash table size
	le.PutUint64(f.buf[32:], 600) // field hash table offset
	le.PutUint64(f.buf[40:], 100) // field hash table size
	le.PutUint64(f.buf[48:], entryArrayOffset)
	le.PutUint64(f.buf[56:], entryCount)
}

func (f *fixture) object(off int, typ, flags byte, payload []byte) {
	f.buf[off] = typ
	f.buf[off+1] = flags
	le.PutUint64(f.buf[off+8:], uint64(objectHeaderSize+len(payload)))
	copy(f.buf[off+16:], payload)
}

func entryPayload(seq, realtime, monotonic uint64, items ...[2]uint64) []byte {
	out := make([]byte, 24+16*len(items))
	le.PutUint64(out[0:], seq)
	le.PutUint64(out[8:], realtime)
	le.PutUint64(out[16:], monotonic)
	for i, item := range items {
		le.PutUint64(out[24+16*i:], item[0])
		le.PutUint64(out[32+16*i:], item[1])
	}
	return out
}

func arrayPayload(next uint64, offsets ...uint64) []byte {
	out := make([]byte, 8+8*len(offsets))
	le.PutUint64(out[0:], next)
	for i, off := range offsets {
		le.PutUint64(out[8+8*i:], off)
	}
	return out
}

func openParser(t *testing.T, data []byte, warns *[]string) container.Parser {
	t.Helper()
	opts := []container.Option{}
	if warns != nil {
		opts = append(opts, container.WithWarnFunc(func(offset int64, msg string) {
			*warns = append(*warns, msg)
		}))
	}
	p := New(opts...)
	require.NoError(t, p.Open(context.Background(), container.BytesSource(data)))
	return p
}

func drain(t *testing.T, p container.Parser) []*container.RawRecord {
	t.Helper()
	var recs []*container.RawRecord
	for {
		rec, err := p.Next(context.Background())
		if err == container.ErrExhausted {
			return recs
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
}

func TestParser_DecodesEntries(t *testing.T) {
	f := newFixture(2048)
	f.header(704, 2)
	f.object(704, objectTypeEntryArray, 0, arrayPayload(0, 800, 900))
	f.object(800, objectTypeEntry, 0, entryPayload(1, 1111, 10, [2]uint64{1000, 0xAA}))
	f.object(900, objectTypeEntry, 0, entryPayload(2, 2222, 20, [2]uint64{1000, 0xAA}, [2]uint64{1100, 0xBB}))
	f.object(1000, objectTypeData, 0, []byte("MESSAGE=service started"))
	f.object(1100, objectTypeData, 0, []byte("_SYSTEMD_UNIT=ssh.service"))

	p := openParser(t, f.buf, nil)
	recs := drain(t, p)

	require.Len(t, recs, 2)
	assert.Equal(t, "service started", recs[0].Fields["MESSAGE"])
	assert.Equal(t, uint64(1111), recs[0].Fields["_realtime_usec"])
	assert.Equal(t, "ssh.service", recs[1].Fields["_SYSTEMD_UNIT"])
	assert.GreaterOrEqual(t, recs[1].Offset, recs[0].Offset)

	s := p.Summary()
	assert.Equal(t, 2, s.Clean)
	assert.Equal(t, 0, s.Corrupted)
	assert.False(t, s.Truncated)
}

func TestParser_ArenaBoundScenario(t *testing.T) {
	// The literal scenario: tables at 400+200 and 600+100 give a bound of
	// 700. An entry item pointing at 650 is structural corruption; 750 is
	// acceptable.
	f := newFixture(2048)
	f.header(704, 2)
	f.object(704, objectTypeEntryArray, 0, arrayPayload(0, 800, 900))
	f.object(800, objectTypeEntry, 0, entryPayload(1, 1111, 10, [2]uint64{650, 0xAA}))
	f.object(900, objectTypeEntry, 0, entryPayload(2, 2222, 20, [2]uint64{750, 0xBB}))
	f.object(750, objectTypeData, 0, []byte("MESSAGE=survivor"))

	var warns []string
	p := openParser(t, f.buf, &warns)
	recs := drain(t, p)

	require.Len(t, recs, 1, "the entry referencing offset 650 is dropped")
	assert.Equal(t, "survivor", recs[0].Fields["MESSAGE"])

	s := p.Summary()
	assert.Equal(t, 1, s.Clean)
	assert.Equal(t, 1, s.Corrupted)
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0], "arena bound")
}

func TestParser_CompressedDataObject(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte("MESSAGE=a long, highly compressible message message message"), nil)
	require.NoError(t, enc.Close())

	f := newFixture(2048)
	f.header(704, 1)
	f.object(704, objectTypeEntryArray, 0, arrayPayload(0, 800))
	f.object(800, objectTypeEntry, 0, entryPayload(1, 1234, 1, [2]uint64{1000, 0x1}))
	f.object(1000, objectTypeData, flagZstd, compressed)

	p := openParser(t, f.buf, nil)
	recs := drain(t, p)

	require.Len(t, recs, 1)
	assert.Equal(t, "a long, highly compressible message message message", recs[0].Fields["MESSAGE"])
}

func TestParser_UnsupportedCompressionFlagCorruptsEntryOnly(t *testing.T) {
	f := newFixture(2048)
	f.header(704, 2)
	f.object(704, objectTypeEntryArray, 0, arrayPayload(0, 800, 900))
	f.object(800, objectTypeEntry, 0, entryPayload(1, 1111, 10, [2]uint64{1000, 0xAA}))
	f.object(900, objectTypeEntry, 0, entryPayload(2, 2222, 20, [2]uint64{1100, 0xBB}))
	f.object(1000, objectTypeData, 0x08, []byte("MESSAGE=who knows")) // unknown flag
	f.object(1100, objectTypeData, 0, []byte("MESSAGE=fine"))

	var warns []string
	p := openParser(t, f.buf, &warns)
	recs := drain(t, p)

	require.Len(t, recs, 1)
	assert.Equal(t, "fine", recs[0].Fields["MESSAGE"])
	assert.Equal(t, 1, p.Summary().Corrupted)
}

func TestParser_CyclicEntryArrayListTerminates(t *testing.T) {
	f := newFixture(2048)
	f.header(704, 1)
	// Two arrays pointing at each other.
	f.object(704, objectTypeEntryArray, 0, arrayPayload(760, 800))
	f.object(760, objectTypeEntryArray, 0, arrayPayload(704))
	f.object(800, objectTypeEntry, 0, entryPayload(1, 1111, 10))

	var warns []string
	p := openParser(t, f.buf, &warns)
	recs := drain(t, p) // must terminate

	assert.Len(t, recs, 1)
	require.NotEmpty(t, warns)
	assert.Contains(t, warns[len(warns)-1], "cyclic")
}

func TestParser_TruncatedEntryEndsStreamEarly(t *testing.T) {
	f := newFixture(1100) // file ends inside the second entry's declared size
	f.header(704, 2)
	f.object(704, objectTypeEntryArray, 0, arrayPayload(0, 800, 1060))
	f.object(800, objectTypeEntry, 0, entryPayload(1, 1111, 10, [2]uint64{900, 0xAA}))
	f.object(900, objectTypeData, 0, []byte("MESSAGE=kept"))
	// Object at 1060 declares a size that runs past EOF.
	f.buf[1060] = objectTypeEntry
	le.PutUint64(f.buf[1068:], 500)

	var warns []string
	p := openParser(t, f.buf, &warns)
	recs := drain(t, p)

	require.Len(t, recs, 1, "records before the truncation point are preserved")
	assert.Equal(t, "kept", recs[0].Fields["MESSAGE"])
	assert.True(t, p.Summary().Truncated)
}

func TestParser_NotAJournal(t *testing.T) {
	err := New().Open(context.Background(), container.BytesSource([]byte("not a journal at all")))
	assert.ErrorIs(t, err, container.ErrUnsupportedFormat)

	err = New().Open(context.Background(), container.BytesSource([]byte{0x01, 0x02}))
	assert.ErrorIs(t, err, container.ErrUnsupportedFormat)
}

func TestEntryFieldsPlugin_SubsetMatch(t *testing.T) {
	plugin := EntryFieldsPlugin{}

	full := &container.RawRecord{Fields: map[string]any{
		"MESSAGE":        "hello",
		"_realtime_usec": uint64(99),
		"_seqnum":        uint64(7),
		"EXTRA_FIELD":    "tolerated",
	}}
	assert.True(t, plugin.CheckApplicable(full), "extra fields are tolerated")
	assert.True(t, plugin.CheckApplicable(full), "applicability is a pure function")

	missing := &container.RawRecord{Fields: map[string]any{
		"_realtime_usec": uint64(99),
	}}
	assert.False(t, plugin.CheckApplicable(missing))

	wrongKind := &container.RawRecord{Fields: map[string]any{
		"MESSAGE":        "hello",
		"_realtime_usec": "ninety-nine",
	}}
	assert.False(t, plugin.CheckApplicable(wrongKind))

	var sink events.Collector
	require.NoError(t, plugin.Process(&sink, full))
	require.Len(t, sink.Events, 1)
	assert.Equal(t, DataTypeEntry, sink.Events[0].DataType)
	assert.Equal(t, int64(99), sink.Events[0].Timestamp)
	assert.Equal(t, "hello", sink.Events[0].Attributes["MESSAGE"])
	assert.Equal(t, uint64(7), sink.Events[0].Attributes["seqnum"])
	assert.NotContains(t, sink.Events[0].Attributes, "_realtime_usec")
}
