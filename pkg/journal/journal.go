// Package journal parses hash-table-indexed object-store logs: a header
// declares two hash tables and a linked list of entry arrays, entry objects
// reference data objects by absolute offset, and data payloads are KEY=VALUE
// pairs, individually compressed when flagged.
//
// The structural safety rule of this format: every resolved object offset
// must lie at or beyond the arena bound, the end of both hash tables. An
// offset below the bound is structural corruption that kills the current
// entry only; the outer entry-array traversal keeps going.
package journal

import (
	"context"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/decode"
)

// ParserName is the registry name of this container parser.
const ParserName = "journal"

// Signature is the 8-byte file magic.
var Signature = []byte("LPKSHHRH")

const (
	headerSize       = 64
	objectHeaderSize = 16

	objectTypeData       = 1
	objectTypeField      = 2
	objectTypeEntry      = 3
	objectTypeEntryArray = 4

	// flagZstd marks an individually zstd-compressed data payload.
	flagZstd = 0x01

	// maxEntryArrays bounds the entry-array linked list; combined with the
	// visited-offset set it makes cyclic lists terminate.
	maxEntryArrays = 1 << 16
	// maxObjectSize rejects objects whose declared size is implausible
	// before any allocation happens.
	maxObjectSize = 1 << 31
)

// Header is the validated journal file header.
type Header struct {
	DataHashTableOffset  uint64
	DataHashTableSize    uint64
	FieldHashTableOffset uint64
	FieldHashTableSize   uint64
	EntryArrayOffset     uint64
	EntryCount           uint64
}

// ArenaBound returns the offset below which no object reference is valid:
// the end of whichever hash table ends last.
func (h Header) ArenaBound() uint64 {
	dataEnd := h.DataHashTableOffset + h.DataHashTableSize
	fieldEnd := h.FieldHashTableOffset + h.FieldHashTableSize
	if fieldEnd > dataEnd {
		return fieldEnd
	}
	return dataEnd
}

// Parser iterates the entries of one journal file.
type Parser struct {
	opts   container.Options
	src    container.Source
	header Header
	bound  uint64
	dctx   *container.DecodeContext
	zstd   *zstd.Decoder

	arrayOffset  uint64          // current entry array, 0 when finished
	visited      map[uint64]bool // entry-array cycle guard
	arrayCount   int
	entryOffsets []uint64 // remaining entry offsets in the current array
	done         bool
}

// New builds an unopened journal parser.
func New(opts ...container.Option) container.Parser {
	return &Parser{opts: container.BuildOptions(opts)}
}

func (p *Parser) Name() string { return ParserName }

// Open validates the header and the hash-table geometry.
func (p *Parser) Open(ctx context.Context, src container.Source) error {
	p.src = src
	r := decode.NewReader(src, src.Size())

	sig, err := r.Bytes(8)
	if err != nil || string(sig) != string(Signature) {
		return fmt.Errorf("%w: not a valid journal file", container.ErrUnsupportedFormat)
	}
	if err := r.Skip(8); err != nil { // compatible + incompatible flags
		return fmt.Errorf("journal header: %w", err)
	}
	fields := []*uint64{
		&p.header.DataHashTableOffset,
		&p.header.DataHashTableSize,
		&p.header.FieldHashTableOffset,
		&p.header.FieldHashTableSize,
		&p.header.EntryArrayOffset,
		&p.header.EntryCount,
	}
	for _, f := range fields {
		if *f, err = r.U8LE(); err != nil {
			return fmt.Errorf("journal header: %w", err)
		}
	}

	p.bound = p.header.ArenaBound()
	if p.bound < headerSize {
		return decode.Malformedf(16, "arena bound %d lies inside the file header", p.bound)
	}
	if int64(p.bound) > src.Size() {
		return decode.Truncated(int64(p.bound), 0, src.Size())
	}
	if p.header.EntryArrayOffset != 0 && p.header.EntryArrayOffset < p.bound {
		return decode.Malformedf(48, "entry array offset %d below arena bound %d",
			p.header.EntryArrayOffset, p.bound)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("journal: init zstd decoder: %w", err)
	}
	p.zstd = dec
	p.dctx = container.NewDecodeContext(src.Size())
	p.visited = make(map[uint64]bool)
	p.arrayOffset = p.header.EntryArrayOffset

	p.opts.Logger.Debug("opened journal file",
		"arena_bound", p.bound,
		"declared_entries", p.header.EntryCount)
	return nil
}

// Header returns the parsed header. Valid after Open.
func (p *Parser) Header() Header { return p.header }

// Next returns the next entry record. Corrupt entries are counted and
// skipped; truncation of the underlying file ends the stream early with the
// already-decoded records preserved.
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

		if len(p.entryOffsets) == 0 {
			if !p.advanceArray() {
				p.done = true
				continue
			}
			continue
		}

		offset := p.entryOffsets[0]
		p.entryOffsets = p.entryOffsets[1:]
		if offset == 0 {
			continue // unused slot
		}
		if offset < p.bound {
			p.opts.Warn(int64(offset), fmt.Sprintf(
				"entry offset %d below arena bound %d; entry dropped", offset, p.bound))
			p.dctx.CountCorrupted()
			continue
		}

		rec, err := p.decodeEntry(offset)
		if err != nil {
			if decode.IsTruncated(err) {
				p.opts.Warn(int64(offset), fmt.Sprintf("journal truncated at entry %d: %v", offset, err))
				p.dctx.MarkTruncated()
				p.done = true
				continue
			}
			p.opts.Warn(int64(offset), fmt.Sprintf("corrupt entry at %d: %v", offset, err))
			p.dctx.CountCorrupted()
			continue
		}
		p.dctx.CountClean()
		return rec, nil
	}
}

// advanceArray loads the next entry array from the linked list. Returns false
// when the list is finished or unusable.
func (p *Parser) advanceArray() bool {
	for p.arrayOffset != 0 {
		if p.visited[p.arrayOffset] || p.arrayCount >= maxEntryArrays {
			p.opts.Warn(int64(p.arrayOffset), "cyclic entry-array list; traversal stopped")
			p.dctx.CountCorrupted()
			return false
		}
		p.visited[p.arrayOffset] = true
		p.arrayCount++

		offset := p.arrayOffset
		typ, _, payload, err := p.readObject(offset)
		if err != nil {
			if decode.IsTruncated(err) {
				p.opts.Warn(int64(offset), fmt.Sprintf("journal truncated at entry array %d: %v", offset, err))
				p.dctx.MarkTruncated()
				return false
			}
			p.opts.Warn(int64(offset), fmt.Sprintf("corrupt entry array at %d: %v", offset, err))
			p.dctx.CountCorrupted()
			return false
		}
		if typ != objectTypeEntryArray {
			p.opts.Warn(int64(offset), fmt.Sprintf("object at %d is type %d, expected entry array", offset, typ))
			p.dctx.CountCorrupted()
			return false
		}
		if len(payload) < 8 {
			p.opts.Warn(int64(offset), "entry array payload too small")
			p.dctx.CountCorrupted()
			return false
		}

		r := decode.NewBytesReader(payload)
		next, _ := r.U8LE()
		// Slot count is derived from the declared payload size.
		slots := (int64(len(payload)) - 8) / 8
		offsets := make([]uint64, 0, slots)
		for i := int64(0); i < slots; i++ {
			v, err := r.U8LE()
			if err != nil {
				break
			}
			offsets = append(offsets, v)
		}

		if next != 0 && next < p.bound {
			p.opts.Warn(int64(offset), fmt.Sprintf(
				"next entry-array offset %d below arena bound %d; list ends here", next, p.bound))
			p.dctx.CountCorrupted()
			next = 0
		}
		p.arrayOffset = next
		p.entryOffsets = offsets
		return true
	}
	return false
}

// decodeEntry reads one entry object and resolves its data-object references
// into a field map.
func (p *Parser) decodeEntry(offset uint64) (*container.RawRecord, error) {
	typ, size, payload, err := p.readObject(offset)
	if err != nil {
		return nil, err
	}
	if typ != objectTypeEntry {
		return nil, decode.Malformedf(int64(offset), "object type %d, expected entry", typ)
	}
	if len(payload) < 24 {
		return nil, decode.Malformedf(int64(offset), "entry payload %d bytes, need 24", len(payload))
	}

	r := decode.NewBytesReader(payload)
	seqnum, _ := r.U8LE()
	realtime, _ := r.U8LE()
	monotonic, _ := r.U8LE()

	fields := map[string]any{
		"_seqnum":         seqnum,
		"_realtime_usec":  realtime,
		"_monotonic_usec": monotonic,
	}

	// Remaining payload is (object_offset, hash) item pairs.
	items := (int64(len(payload)) - 24) / 16
	for i := int64(0); i < items; i++ {
		objOffset, err := r.U8LE()
		if err != nil {
			return nil, err
		}
		if _, err := r.U8LE(); err != nil { // hash, unused here
			return nil, err
		}
		if objOffset < p.bound {
			// Structural corruption: abort this entry, let the outer
			// traversal continue.
			return nil, decode.Malformedf(int64(objOffset),
				"data object offset %d below arena bound %d", objOffset, p.bound)
		}
		key, value, err := p.decodeDataObject(objOffset)
		if err != nil {
			return nil, err
		}
		fields[key] = value
	}

	return &container.RawRecord{
		Offset: int64(offset),
		Size:   int64(size),
		Fields: fields,
	}, nil
}

// decodeDataObject reads a data object and splits its payload at the first
// '=' into key and value, decompressing first when flagged.
func (p *Parser) decodeDataObject(offset uint64) (key, value string, err error) {
	typ, _, payload, err := p.readObject(offset)
	if err != nil {
		return "", "", err
	}
	if typ != objectTypeData {
		return "", "", decode.Malformedf(int64(offset), "object type %d, expected data", typ)
	}

	eq := strings.IndexByte(string(payload), '=')
	if eq <= 0 {
		return "", "", decode.Malformedf(int64(offset), "data payload is not KEY=VALUE")
	}
	return string(payload[:eq]), string(payload[eq+1:]), nil
}

// readObject reads the 16-byte object header at offset and its payload,
// decompressed if the object's compression flag is set.
func (p *Parser) readObject(offset uint64) (typ uint8, size uint64, payload []byte, err error) {
	r := decode.NewReader(p.src, p.src.Size())
	if err := r.SeekTo(int64(offset)); err != nil {
		return 0, 0, nil, err
	}
	typ, err = r.U1()
	if err != nil {
		return 0, 0, nil, err
	}
	flags, err := r.U1()
	if err != nil {
		return 0, 0, nil, err
	}
	if err := r.Skip(6); err != nil { // reserved
		return 0, 0, nil, err
	}
	size, err = r.U8LE()
	if err != nil {
		return 0, 0, nil, err
	}
	if size < objectHeaderSize || size > maxObjectSize {
		return 0, 0, nil, decode.Malformedf(int64(offset), "object size %d out of range", size)
	}
	raw, err := r.Bytes(int64(size) - objectHeaderSize)
	if err != nil {
		return 0, 0, nil, err
	}

	if flags&flagZstd != 0 {
		decompressed, derr := p.zstd.DecodeAll(raw, nil)
		if derr != nil {
			return 0, 0, nil, decode.Malformedf(int64(offset), "zstd payload: %v", derr)
		}
		return typ, size, decompressed, nil
	}
	if flags &^ uint8(flagZstd) != 0 {
		return 0, 0, nil, decode.Malformedf(int64(offset), "unsupported object flags %#02x", flags)
	}
	return typ, size, raw, nil
}

// Summary reports the parse counters; valid after exhaustion or cancellation.
func (p *Parser) Summary() container.Summary {
	if p.dctx == nil {
		return container.Summary{}
	}
	return p.dctx.Summary()
}
