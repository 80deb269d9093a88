// Package cachefile parses block-allocated cache files whose records are
// addressed by packed 32-bit cache addresses and linked into per-bucket
// chains. Chains on disk can be cyclic or point into garbage; traversal is
// strictly iterative with a hard step cap, so adversarial input can waste at
// most a bounded amount of work and can never hang the parser.
package cachefile

import (
	"context"
	"errors"
	"fmt"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/decode"
)

// ParserName is the registry name of this container parser.
const ParserName = "cachefile"

const (
	// Magic identifies a cache index file.
	Magic = 0xC103CAC3
	// EntryMagic starts every allocated entry block.
	EntryMagic = 0x454E5452 // "ENTR" big-endian on disk

	headerSize = 24
	// ChainStepCap bounds bucket-chain traversal. Exceeding it means the
	// chain is cyclic or runaway; the chain is abandoned with one warning.
	ChainStepCap = 64
	// maxTableLength rejects headers whose declared table would dwarf any
	// plausible cache file.
	maxTableLength = 1 << 24
)

// Storage kinds packed into bits 28..30 of a cache address.
const (
	kindBlock    = 1 // general block store, size class selects block size
	kindRankings = 2 // fixed 36-byte rankings nodes
)

// blockSizes maps storage kind and size class to block byte size.
var blockSizes = map[uint64][4]int64{
	kindBlock:    {256, 1024, 4096, 8192},
	kindRankings: {36, 36, 36, 36},
}

// Addr is a packed 32-bit cache address.
type Addr uint32

// Initialized reports whether the address points at an allocated block.
func (a Addr) Initialized() bool { return decode.Bit(uint64(a), 31) }

// Kind returns the storage kind tag.
func (a Addr) Kind() uint64 { return decode.Bits(uint64(a), 28, 3) }

// SizeClass returns the block size class within the storage kind.
func (a Addr) SizeClass() uint64 { return decode.Bits(uint64(a), 24, 2) }

// BlockIndex returns the block number within the storage area.
func (a Addr) BlockIndex() int64 { return int64(decode.Bits(uint64(a), 0, 24)) }

// resolve turns the address into an absolute offset and block size.
func (a Addr) resolve(dataBase int64) (offset, size int64, err error) {
	sizes, ok := blockSizes[a.Kind()]
	if !ok {
		return 0, 0, fmt.Errorf("unknown storage kind %d", a.Kind())
	}
	size = sizes[a.SizeClass()]
	return dataBase + a.BlockIndex()*size, size, nil
}

// Header is the validated cache file header.
type Header struct {
	Version     uint32
	TableLength uint32
	DataBase    int64
	EntryCount  uint32
}

// Parser iterates the allocated entries of one cache file. One instance
// serves one Open/Next cycle and shares no state with other instances.
type Parser struct {
	opts   container.Options
	src    container.Source
	reader *decode.Reader
	header Header
	dctx   *container.DecodeContext

	slot       int  // next hash-table slot to read
	chainAddr  Addr // current position within a bucket chain, 0 when idle
	chainSteps int
}

// New builds an unopened cache file parser.
func New(opts ...container.Option) container.Parser {
	return &Parser{opts: container.BuildOptions(opts)}
}

func (p *Parser) Name() string { return ParserName }

// Open validates the header. A wrong or missing magic is
// ErrUnsupportedFormat; a valid magic with a nonsensical table declaration is
// a malformed header, which also ends this parser's attempt.
func (p *Parser) Open(ctx context.Context, src container.Source) error {
	p.src = src
	p.reader = decode.NewReader(src, src.Size())

	magic, err := p.reader.U4LE()
	if err != nil || magic != Magic {
		return fmt.Errorf("%w: not a valid cache file", container.ErrUnsupportedFormat)
	}
	if p.header.Version, err = p.reader.U4LE(); err != nil {
		return fmt.Errorf("cache file header: %w", err)
	}
	if p.header.TableLength, err = p.reader.U4LE(); err != nil {
		return fmt.Errorf("cache file header: %w", err)
	}
	dataBase, err := p.reader.U4LE()
	if err != nil {
		return fmt.Errorf("cache file header: %w", err)
	}
	p.header.DataBase = int64(dataBase)
	if p.header.EntryCount, err = p.reader.U4LE(); err != nil {
		return fmt.Errorf("cache file header: %w", err)
	}
	if _, err = p.reader.U4LE(); err != nil { // reserved
		return fmt.Errorf("cache file header: %w", err)
	}

	if p.header.TableLength > maxTableLength {
		return decode.Malformedf(8, "declared table length %d is implausible", p.header.TableLength)
	}
	tableEnd := int64(headerSize) + int64(p.header.TableLength)*4
	if tableEnd > src.Size() {
		return decode.Truncated(headerSize, tableEnd-headerSize, src.Size()-headerSize)
	}
	if p.header.DataBase < tableEnd {
		return decode.Malformedf(12, "data base %d overlaps address table ending at %d", p.header.DataBase, tableEnd)
	}

	p.dctx = container.NewDecodeContext(src.Size())
	p.opts.Logger.Debug("opened cache file",
		"version", p.header.Version,
		"table_length", p.header.TableLength,
		"data_base", p.header.DataBase)
	return nil
}

// Header returns the parsed header. Valid after Open.
func (p *Parser) Header() Header { return p.header }

// Next returns the next allocated entry. Bucket chains are walked in table
// order; a corrupt or runaway chain is abandoned with a warning and iteration
// resumes at the next table slot.
func (p *Parser) Next(ctx context.Context) (*container.RawRecord, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if p.chainAddr == 0 {
			addr, ok, err := p.nextSlot()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, container.ErrExhausted
			}
			if !addr.Initialized() {
				continue
			}
			p.chainAddr = addr
			p.chainSteps = 0
		}

		if p.chainSteps >= ChainStepCap {
			p.opts.Warn(p.header.DataBase, fmt.Sprintf(
				"bucket chain in slot %d exceeded %d steps; chain abandoned as cyclic", p.slot-1, ChainStepCap))
			p.dctx.CountCorrupted()
			p.chainAddr = 0
			continue
		}

		rec, next, err := p.decodeEntry(p.chainAddr)
		if err != nil {
			var me *decode.MalformedError
			offset := int64(0)
			if errors.As(err, &me) {
				offset = me.Offset
			}
			p.opts.Warn(offset, fmt.Sprintf("cache entry at address %#08x: %v; chain abandoned", uint32(p.chainAddr), err))
			p.dctx.CountCorrupted()
			p.chainAddr = 0
			continue
		}

		p.chainSteps++
		p.chainAddr = next
		if !p.chainAddr.Initialized() {
			p.chainAddr = 0 // end of chain
		}
		p.dctx.CountClean()
		return rec, nil
	}
}

// nextSlot reads the next address-table slot. ok is false once the table is
// exhausted.
func (p *Parser) nextSlot() (Addr, bool, error) {
	if p.slot >= int(p.header.TableLength) {
		return 0, false, nil
	}
	if err := p.reader.SeekTo(int64(headerSize) + int64(p.slot)*4); err != nil {
		return 0, false, err
	}
	p.slot++
	v, err := p.reader.U4LE()
	if err != nil {
		return 0, false, err
	}
	return Addr(v), true, nil
}

// decodeEntry reads one entry block and returns it with the chain's next
// address.
func (p *Parser) decodeEntry(addr Addr) (*container.RawRecord, Addr, error) {
	offset, size, err := addr.resolve(p.header.DataBase)
	if err != nil {
		return nil, 0, decode.Malformedf(0, "%v", err)
	}
	if offset < p.header.DataBase || offset+size > p.src.Size() {
		return nil, 0, decode.Malformedf(offset, "entry block [%d, %d) outside data area", offset, offset+size)
	}

	r := decode.NewReader(p.src, p.src.Size())
	if err := r.SeekTo(offset); err != nil {
		return nil, 0, err
	}

	magic, err := r.U4BE()
	if err != nil {
		return nil, 0, err
	}
	if magic != EntryMagic {
		return nil, 0, decode.Malformedf(offset, "bad entry magic %#08x", magic)
	}
	next, err := r.U4LE()
	if err != nil {
		return nil, 0, err
	}
	hash, err := r.U4LE()
	if err != nil {
		return nil, 0, err
	}
	accessed, err := r.U8LE()
	if err != nil {
		return nil, 0, err
	}
	created, err := r.U8LE()
	if err != nil {
		return nil, 0, err
	}
	keyLen, err := r.U2LE()
	if err != nil {
		return nil, 0, err
	}
	if int64(keyLen) > offset+size-r.Pos() {
		return nil, 0, decode.Malformedf(r.Pos(), "key length %d exceeds entry block", keyLen)
	}
	key, err := r.Bytes(int64(keyLen))
	if err != nil {
		return nil, 0, err
	}

	rec := &container.RawRecord{
		Offset: offset,
		Size:   size,
		Fields: map[string]any{
			"hash":     hash,
			"next":     uint32(next),
			"key":      string(key),
			"accessed": accessed,
			"created":  created,
		},
		Columns: []string{"hash", "next", "key", "accessed", "created"},
	}
	return rec, Addr(next), nil
}

// Summary reports the parse counters; valid after exhaustion or cancellation.
func (p *Parser) Summary() container.Summary {
	if p.dctx == nil {
		return container.Summary{}
	}
	return p.dctx.Summary()
}
