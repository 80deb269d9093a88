// Package biome parses self-describing framed stream stores: a fixed file
// header with an interior magic, then a run of 32-byte record wrappers each
// followed by a protobuf payload and padding to the next 8-byte boundary.
// A wrapper declaring a content size of zero is the clean end-of-stream
// marker; an all-zero payload is an allocation placeholder, skipped without
// being yielded or counted as corrupt.
package biome

import (
	"context"
	"fmt"
	"strconv"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/decode"
)

// ParserName is the registry name of this container parser.
const ParserName = "biome"

// Magic sits at interior offset 52 of the file header.
var Magic = []byte("SEGB")

const (
	headerSize  = 56
	wrapperSize = 32
	// MagicOffset is where the signature scanner finds the magic.
	MagicOffset = 52
	// maxContentSize bounds a single record payload.
	maxContentSize = 1 << 28
)

// Header is the validated stream store header.
type Header struct {
	// DataEnd is the declared end of valid record data.
	DataEnd int64
}

// Parser iterates the records of one stream store file.
type Parser struct {
	opts   container.Options
	src    container.Source
	reader *decode.Reader
	header Header
	dctx   *container.DecodeContext
	done   bool
}

// New builds an unopened stream store parser.
func New(opts ...container.Option) container.Parser {
	return &Parser{opts: container.BuildOptions(opts)}
}

func (p *Parser) Name() string { return ParserName }

// Open validates the header and positions the cursor at the first wrapper.
func (p *Parser) Open(ctx context.Context, src container.Source) error {
	p.src = src
	if src.Size() < headerSize {
		return fmt.Errorf("%w: not a valid stream store", container.ErrUnsupportedFormat)
	}
	r := decode.NewReader(src, src.Size())

	dataEnd, err := r.U4LE()
	if err != nil {
		return fmt.Errorf("stream store header: %w", err)
	}
	if err := r.SeekTo(MagicOffset); err != nil {
		return fmt.Errorf("stream store header: %w", err)
	}
	magic, err := r.Bytes(4)
	if err != nil || string(magic) != string(Magic) {
		return fmt.Errorf("%w: not a valid stream store", container.ErrUnsupportedFormat)
	}

	p.header.DataEnd = int64(dataEnd)
	if p.header.DataEnd == 0 || p.header.DataEnd > src.Size() {
		p.header.DataEnd = src.Size()
	}
	if p.header.DataEnd < headerSize {
		return decode.Malformedf(0, "declared data end %d inside the header", dataEnd)
	}

	p.reader = decode.NewReader(src, src.Size())
	if err := p.reader.SeekTo(headerSize); err != nil {
		return fmt.Errorf("stream store header: %w", err)
	}
	p.dctx = container.NewDecodeContext(p.header.DataEnd)
	if err := p.dctx.Advance(headerSize); err != nil {
		return err
	}

	p.opts.Logger.Debug("opened stream store", "data_end", p.header.DataEnd)
	return nil
}

// Header returns the parsed header. Valid after Open.
func (p *Parser) Header() Header { return p.header }

// Next returns the next stream item.
func (p *Parser) Next(ctx context.Context) (*container.RawRecord, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if p.done {
			return nil, container.ErrExhausted
		}

		start := p.dctx.Offset()
		if start+wrapperSize > p.header.DataEnd {
			// Ran off the declared data area without seeing the zero-size
			// terminator.
			if start < p.header.DataEnd {
				p.dctx.MarkTruncated()
			}
			p.done = true
			continue
		}

		if err := p.reader.SeekTo(start); err != nil {
			return nil, err
		}
		contentSize, err := p.reader.U4LE()
		if err != nil {
			p.endTruncated(start, err)
			continue
		}
		if contentSize == 0 {
			// Clean end-of-stream marker.
			p.done = true
			continue
		}
		if contentSize > maxContentSize {
			p.opts.Warn(start, fmt.Sprintf("record content size %d is implausible; searching for next record", contentSize))
			p.dctx.CountCorrupted()
			next, err := container.Resync(p.src, start+1, p.header.DataEnd, wrapperSize, wrapperProbe)
			if err != nil {
				p.dctx.MarkTruncated()
				p.done = true
				continue
			}
			if err := p.dctx.SkipTo(next); err != nil {
				return nil, err
			}
			continue
		}

		state, err := p.reader.U4LE()
		if err != nil {
			p.endTruncated(start, err)
			continue
		}
		creation, err := p.reader.F8LE()
		if err != nil {
			p.endTruncated(start, err)
			continue
		}
		expiry, err := p.reader.F8LE()
		if err != nil {
			p.endTruncated(start, err)
			continue
		}
		if err := p.reader.Skip(8); err != nil { // reserved
			p.endTruncated(start, err)
			continue
		}

		end := start + wrapperSize + int64(contentSize)
		if end > p.header.DataEnd {
			p.opts.Warn(start, fmt.Sprintf(
				"record payload runs past data end (%d > %d); stream truncated", end, p.header.DataEnd))
			p.dctx.MarkTruncated()
			p.done = true
			continue
		}
		payload, err := p.reader.Bytes(int64(contentSize))
		if err != nil {
			p.endTruncated(start, err)
			continue
		}

		// Cursor advances to the next 8-byte alignment boundary.
		next := align8(end)
		if next > p.header.DataEnd {
			next = p.header.DataEnd
		}
		consumed := next - start
		if err := p.dctx.Advance(consumed); err != nil {
			return nil, err
		}

		if allZero(payload) {
			// Placeholder slot: not yielded, not an error.
			continue
		}

		fields := map[string]any{
			"_state":    state,
			"_creation": creation,
			"_expiry":   expiry,
		}
		if err := walkProto(payload, fields); err != nil {
			p.opts.Warn(start, fmt.Sprintf("record payload at %d: %v", start, err))
			p.dctx.CountCorrupted()
			continue
		}

		p.dctx.CountClean()
		return &container.RawRecord{
			Offset:  start,
			Size:    consumed,
			Payload: payload,
			Fields:  fields,
		}, nil
	}
}

func (p *Parser) endTruncated(offset int64, err error) {
	p.opts.Warn(offset, fmt.Sprintf("stream store truncated at %d: %v", offset, err))
	p.dctx.MarkTruncated()
	p.done = true
}

func align8(v int64) int64 { return (v + 7) &^ 7 }

// wrapperProbe is the record-start predicate for resync: a window looks like
// a wrapper when its content size is plausible and its reserved tail is zero.
func wrapperProbe(w []byte) bool {
	if len(w) < wrapperSize {
		return false
	}
	size := uint32(w[0]) | uint32(w[1])<<8 | uint32(w[2])<<16 | uint32(w[3])<<24
	if size > maxContentSize {
		return false
	}
	for _, c := range w[24:wrapperSize] {
		if c != 0 {
			return false
		}
	}
	return true
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// walkProto decodes the top-level protobuf fields of payload into fields,
// keyed by decimal field number. Nested messages stay as raw bytes; byte
// fields that are valid UTF-8 become strings.
func walkProto(payload []byte, fields map[string]any) error {
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad protobuf tag")
		}
		b = b[n:]
		key := strconv.FormatInt(int64(num), 10)
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("bad varint in field %s", key)
			}
			fields[key] = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("bad fixed32 in field %s", key)
			}
			fields[key] = v
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("bad fixed64 in field %s", key)
			}
			fields[key] = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("bad length-delimited field %s", key)
			}
			if utf8.Valid(v) {
				fields[key] = string(v)
			} else {
				fields[key] = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("bad field %s of wire type %d", key, typ)
			}
			b = b[n:]
		}
	}
	return nil
}

// Summary reports the parse counters; valid after exhaustion or cancellation.
func (p *Parser) Summary() container.Summary {
	if p.dctx == nil {
		return container.Summary{}
	}
	return p.dctx.Summary()
}
