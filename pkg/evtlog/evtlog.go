// Package evtlog parses fixed-slot event log files. The header declares two
// independent record ranges: clean records, and records the log itself marks
// as deleted but still reconstructible. Both ranges are iterated slot by
// slot; a slot that fails its magic or checksum is logged and skipped, never
// fatal to the container.
package evtlog

import (
	"bytes"
	"context"
	"fmt"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/decode"
)

// ParserName is the registry name of this container parser.
const ParserName = "evtlog"

// Magic appears at offset 4 of the file and at the start of every slot.
var Magic = []byte("LfLe")

const (
	// MagicOffset is where the signature scanner finds the magic.
	MagicOffset = 4

	headerSize = 32
	// minSlotSize is the smallest slot that can hold the fixed fields plus
	// the trailing checksum.
	minSlotSize = 32
	// maxRecordCount rejects headers declaring more slots than any real log
	// holds.
	maxRecordCount = 1 << 24
)

// Header is the validated event log header.
type Header struct {
	Version        uint32
	SlotSize       uint32
	CleanCount     uint32
	RecoveredCount uint32
}

// Parser iterates the records of one event log file: the clean range first,
// then the recovered range. The clean-before-recovered ordering comes from
// the two separate index ranges and is preserved for compatibility even
// though it is not physical-offset order across the two regions.
type Parser struct {
	opts   container.Options
	src    container.Source
	header Header
	dctx   *container.DecodeContext

	index     int // next slot within the current range
	recovered bool
	done      bool
}

// New builds an unopened event log parser.
func New(opts ...container.Option) container.Parser {
	return &Parser{opts: container.BuildOptions(opts)}
}

func (p *Parser) Name() string { return ParserName }

// Open validates the header and the declared slot geometry.
func (p *Parser) Open(ctx context.Context, src container.Source) error {
	p.src = src
	r := decode.NewReader(src, src.Size())

	headerLen, err := r.U4LE()
	if err != nil {
		return fmt.Errorf("%w: not a valid event log", container.ErrUnsupportedFormat)
	}
	magic, err := r.Bytes(4)
	if err != nil || !bytes.Equal(magic, Magic) {
		return fmt.Errorf("%w: not a valid event log", container.ErrUnsupportedFormat)
	}
	if headerLen != headerSize {
		return decode.Malformedf(0, "declared header length %d, expected %d", headerLen, headerSize)
	}
	if p.header.Version, err = r.U4LE(); err != nil {
		return fmt.Errorf("event log header: %w", err)
	}
	if p.header.SlotSize, err = r.U4LE(); err != nil {
		return fmt.Errorf("event log header: %w", err)
	}
	if p.header.CleanCount, err = r.U4LE(); err != nil {
		return fmt.Errorf("event log header: %w", err)
	}
	if p.header.RecoveredCount, err = r.U4LE(); err != nil {
		return fmt.Errorf("event log header: %w", err)
	}

	if p.header.SlotSize < minSlotSize {
		return decode.Malformedf(12, "slot size %d below minimum %d", p.header.SlotSize, minSlotSize)
	}
	if p.header.CleanCount > maxRecordCount || p.header.RecoveredCount > maxRecordCount {
		return decode.Malformedf(16, "declared record counts %d/%d are implausible",
			p.header.CleanCount, p.header.RecoveredCount)
	}

	p.dctx = container.NewDecodeContext(src.Size())
	p.opts.Logger.Debug("opened event log",
		"slot_size", p.header.SlotSize,
		"clean", p.header.CleanCount,
		"recovered", p.header.RecoveredCount)
	return nil
}

// Header returns the parsed header. Valid after Open.
func (p *Parser) Header() Header { return p.header }

// Next returns the next record: all clean slots, then all recovered slots.
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

		count := int(p.header.CleanCount)
		base := int64(headerSize)
		if p.recovered {
			count = int(p.header.RecoveredCount)
			base = int64(headerSize) + int64(p.header.CleanCount)*int64(p.header.SlotSize)
		}
		if p.index >= count {
			if !p.recovered {
				p.recovered = true
				p.index = 0
				continue
			}
			p.done = true
			continue
		}

		offset := base + int64(p.index)*int64(p.header.SlotSize)
		p.index++

		rec, err := p.decodeSlot(offset, p.recovered)
		if err != nil {
			if decode.IsTruncated(err) {
				p.opts.Warn(offset, fmt.Sprintf("event log truncated at slot offset %d: %v", offset, err))
				p.dctx.MarkTruncated()
				p.done = true
				continue
			}
			p.opts.Warn(offset, fmt.Sprintf("bad record slot at offset %d: %v", offset, err))
			p.dctx.CountCorrupted()
			continue
		}
		if p.recovered {
			p.dctx.CountRecovered()
		} else {
			p.dctx.CountClean()
		}
		return rec, nil
	}
}

// decodeSlot reads and verifies one record slot.
func (p *Parser) decodeSlot(offset int64, recovered bool) (*container.RawRecord, error) {
	slotSize := int64(p.header.SlotSize)
	r := decode.NewReader(p.src, p.src.Size())
	if err := r.SeekTo(offset); err != nil {
		return nil, err
	}
	slot, err := r.Bytes(slotSize)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(slot[:4], Magic) {
		return nil, decode.Malformedf(offset, "bad record magic")
	}
	if err := decode.VerifyTrailingCRC32(slot, offset); err != nil {
		return nil, err
	}

	sr := decode.NewBytesReader(slot[:len(slot)-4])
	if err := sr.Skip(4); err != nil { // magic
		return nil, err
	}
	recordNumber, err := sr.U4LE()
	if err != nil {
		return nil, err
	}
	eventID, err := sr.U4LE()
	if err != nil {
		return nil, err
	}
	posted, err := sr.U4LE()
	if err != nil {
		return nil, err
	}
	written, err := sr.U4LE()
	if err != nil {
		return nil, err
	}
	sourceLen, err := sr.U2LE()
	if err != nil {
		return nil, err
	}
	if int64(sourceLen) > sr.Remaining() {
		return nil, decode.Malformedf(offset+22, "source length %d exceeds slot", sourceLen)
	}
	source, err := sr.UTF16LEString(int64(sourceLen))
	if err != nil {
		// The error offset is relative to the slot buffer; report the
		// absolute position instead.
		return nil, decode.Malformedf(offset+22, "source string: %v", err)
	}

	return &container.RawRecord{
		Offset:    offset,
		Size:      slotSize,
		Recovered: recovered,
		Fields: map[string]any{
			"record_number": recordNumber,
			"event_id":      eventID,
			"source":        source,
			"posted":        posted,
			"written":       written,
		},
		Columns: []string{"record_number", "event_id", "source", "posted", "written"},
	}, nil
}

// Summary reports the parse counters; valid after exhaustion or cancellation.
func (p *Parser) Summary() container.Summary {
	if p.dctx == nil {
		return container.Summary{}
	}
	return p.dctx.Summary()
}
