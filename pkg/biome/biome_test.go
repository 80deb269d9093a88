package biome

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/events"
)

var le = binary.LittleEndian

type item struct {
	state    uint32
	creation float64
	expiry   float64
	payload  []byte
}

func encodeWrapper(it item) []byte {
	buf := make([]byte, wrapperSize)
	le.PutUint32(buf[0:], uint32(len(it.payload)))
	le.PutUint32(buf[4:], it.state)
	le.PutUint64(buf[8:], math.Float64bits(it.creation))
	le.PutUint64(buf[16:], math.Float64bits(it.expiry))
	return append(buf, it.payload...)
}

// buildStore lays out the header, the records with their 8-byte alignment
// padding, and (when terminated) a zero-size end-of-stream wrapper.
func buildStore(terminated bool, items ...item) []byte {
	buf := make([]byte, headerSize)
	copy(buf[MagicOffset:], Magic)
	for _, it := range items {
		buf = append(buf, encodeWrapper(it)...)
		for int64(len(buf))%8 != 0 {
			buf = append(buf, 0)
		}
	}
	if terminated {
		buf = append(buf, make([]byte, wrapperSize)...)
	}
	le.PutUint32(buf[0:], uint32(len(buf)))
	return buf
}

func protoPayload(timestamp uint64, name string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, timestamp)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(name))
	return b
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

func TestParser_ZeroContentSizeEndsCleanly(t *testing.T) {
	// A valid header followed by one wrapper whose content size is zero:
	// iteration ends cleanly, nothing is yielded, nothing is an error.
	data := buildStore(true)

	var warns []string
	p := openParser(t, data, &warns)
	recs := drain(t, p)

	assert.Empty(t, recs)
	assert.Empty(t, warns)

	s := p.Summary()
	assert.Equal(t, 0, s.Clean)
	assert.Equal(t, 0, s.Corrupted)
	assert.False(t, s.Truncated)
}

func TestParser_RecordsAndAlignment(t *testing.T) {
	data := buildStore(true,
		item{state: 1, creation: 10.5, payload: protoPayload(111, "first")},
		item{state: 2, creation: 20.5, expiry: 99, payload: protoPayload(222, "second")},
	)

	p := openParser(t, data, nil)
	recs := drain(t, p)

	require.Len(t, recs, 2)
	first, second := recs[0], recs[1]

	assert.Equal(t, int64(headerSize), first.Offset)
	assert.Zero(t, second.Offset%8, "records start on 8-byte boundaries")

	assert.Equal(t, uint32(1), first.Fields["_state"])
	assert.Equal(t, 10.5, first.Fields["_creation"])
	assert.Equal(t, uint64(111), first.Fields["1"])
	assert.Equal(t, "first", first.Fields["2"])
	assert.Equal(t, uint64(222), second.Fields["1"])
	assert.Equal(t, "second", second.Fields["2"])

	s := p.Summary()
	assert.Equal(t, 2, s.Clean)
	assert.Equal(t, 0, s.Corrupted)
	assert.False(t, s.Truncated)
}

func TestParser_PlaceholderSkippedSilently(t *testing.T) {
	data := buildStore(true,
		item{state: 1, creation: 1, payload: protoPayload(1, "a")},
		item{state: 0, payload: make([]byte, 24)}, // unwritten slot
		item{state: 1, creation: 2, payload: protoPayload(2, "b")},
	)

	var warns []string
	p := openParser(t, data, &warns)
	recs := drain(t, p)

	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Fields["2"])
	assert.Equal(t, "b", recs[1].Fields["2"])
	assert.Empty(t, warns)

	s := p.Summary()
	assert.Equal(t, 2, s.Clean)
	assert.Equal(t, 0, s.Corrupted)
}

func TestParser_MalformedPayloadCountsCorrupted(t *testing.T) {
	data := buildStore(true,
		item{state: 1, creation: 1, payload: []byte{0xFF, 0xFF, 0xFF}}, // bad tag
		item{state: 1, creation: 2, payload: protoPayload(2, "ok")},
	)

	var warns []string
	p := openParser(t, data, &warns)
	recs := drain(t, p)

	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Fields["2"])
	require.Len(t, warns, 1)

	s := p.Summary()
	assert.Equal(t, 1, s.Clean)
	assert.Equal(t, 1, s.Corrupted)
}

func TestParser_ImplausibleSizeResyncsToNextWrapper(t *testing.T) {
	buf := make([]byte, headerSize)
	copy(buf[MagicOffset:], Magic)

	// A wrapper whose content size is garbage, its body full of noise.
	bad := make([]byte, wrapperSize)
	le.PutUint32(bad[0:], 0xFFFFFFFF)
	for i := 8; i < wrapperSize; i++ {
		bad[i] = 0xFF
	}
	buf = append(buf, bad...)
	buf = append(buf, encodeWrapper(item{state: 1, creation: 2, expiry: -1.5, payload: protoPayload(7, "ok")})...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, make([]byte, wrapperSize)...) // terminator
	le.PutUint32(buf[0:], uint32(len(buf)))

	var warns []string
	p := openParser(t, buf, &warns)
	recs := drain(t, p)

	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Fields["2"])
	assert.Equal(t, int64(headerSize+wrapperSize), recs[0].Offset)
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0], "implausible")

	s := p.Summary()
	assert.Equal(t, 1, s.Clean)
	assert.Equal(t, 1, s.Corrupted)
	assert.Equal(t, int64(wrapperSize), s.CorruptedBytes)
	assert.False(t, s.Truncated)
}

func TestParser_NoResyncPointEndsTruncated(t *testing.T) {
	buf := make([]byte, headerSize)
	copy(buf[MagicOffset:], Magic)
	bad := make([]byte, wrapperSize)
	le.PutUint32(bad[0:], 0xFFFFFFFF)
	for i := 4; i < wrapperSize; i++ {
		bad[i] = 0xFF
	}
	buf = append(buf, bad...)
	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	le.PutUint32(buf[0:], uint32(len(buf)))

	p := openParser(t, buf, nil)
	recs := drain(t, p)

	assert.Empty(t, recs)
	s := p.Summary()
	assert.Equal(t, 1, s.Corrupted)
	assert.True(t, s.Truncated)
}

func TestParser_MissingTerminatorMarksTruncated(t *testing.T) {
	data := buildStore(false,
		item{state: 1, creation: 1, payload: protoPayload(1, "a")},
	)
	// A few bytes of a wrapper that never completes.
	data = append(data, 0xAA, 0xBB)
	le.PutUint32(data[0:], uint32(len(data)))

	p := openParser(t, data, nil)
	recs := drain(t, p)

	require.Len(t, recs, 1)
	s := p.Summary()
	assert.Equal(t, 1, s.Clean)
	assert.True(t, s.Truncated)
}

func TestParser_NotAStreamStore(t *testing.T) {
	err := New().Open(context.Background(), container.BytesSource([]byte("too short")))
	assert.ErrorIs(t, err, container.ErrUnsupportedFormat)

	data := buildStore(true)
	copy(data[MagicOffset:], "NOPE")
	err = New().Open(context.Background(), container.BytesSource(data))
	assert.ErrorIs(t, err, container.ErrUnsupportedFormat)
}

func TestParser_Cancellation(t *testing.T) {
	data := buildStore(true, item{state: 1, creation: 1, payload: protoPayload(1, "a")})
	p := openParser(t, data, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamItemPlugin(t *testing.T) {
	data := buildStore(true,
		item{state: 3, creation: 10.5, expiry: 0, payload: protoPayload(424242, "com.example.app")},
	)
	p := openParser(t, data, nil)
	recs := drain(t, p)
	require.Len(t, recs, 1)

	plugin := StreamItemPlugin{}
	assert.True(t, plugin.CheckApplicable(recs[0]))
	assert.False(t, plugin.CheckApplicable(&container.RawRecord{
		Fields: map[string]any{"1": "not a varint"},
	}))

	strict := StreamItemPlugin{Required: map[string]string{"1": KindUint, "9": KindString}}
	assert.False(t, strict.CheckApplicable(recs[0]))

	var sink events.Collector
	require.NoError(t, plugin.Process(&sink, recs[0]))

	require.Len(t, sink.Events, 1)
	e := sink.Events[0]
	assert.Equal(t, DataTypeItem, e.DataType)
	assert.Equal(t, events.DescRecorded, e.TimestampDesc)
	assert.Equal(t, int64(978307210_500000), e.Timestamp)
	assert.Equal(t, uint32(3), e.Attributes["state"])
	assert.Equal(t, uint64(424242), e.Attributes["field_1"])
	assert.Equal(t, "com.example.app", e.Attributes["field_2"])
	assert.NotContains(t, e.Attributes, "expiry")
}
