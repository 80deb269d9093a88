// Package bodyfile parses pipe-delimited filesystem timeline files. The
// format is text, but evidence-grade text: delimiters appear escaped inside
// filenames, lines arrive with missing or extra fields, and numeric fields
// overflow their nominal width. The first line decides whether the file is a
// bodyfile at all; afterwards a bad line is a warning, never a failure.
package bodyfile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/decode"
)

// ParserName is the registry name of this container parser.
const ParserName = "bodyfile"

const (
	// minColumns is the md5|name|inode|mode|uid|gid|size plus the four
	// timestamp columns.
	minColumns = 11
	// timestampBits bounds every numeric field; oversized values are masked
	// down rather than rejected.
	timestampBits = 63
	// maxLineLength guards the scanner against binary files that happen to
	// pass the first-line check.
	maxLineLength = 1 << 20
)

// columnNames is the canonical field layout. Timestamp columns 7..10 carry
// access, change, modification and creation times, in that order.
var columnNames = []string{
	"md5", "name", "inode", "mode", "uid", "gid", "size",
	"access_time", "change_time", "modification_time", "creation_time",
}

// Parser iterates the lines of one bodyfile.
type Parser struct {
	opts    container.Options
	scanner *bufio.Scanner
	dctx    *container.DecodeContext

	lineOffset int64
	lineNumber int
	pending    []string // validated first line, not yet yielded
	pendingOff int64
	pendingLen int64
	done       bool
}

// New builds an unopened bodyfile parser.
func New(opts ...container.Option) container.Parser {
	return &Parser{opts: container.BuildOptions(opts)}
}

func (p *Parser) Name() string { return ParserName }

// Open reads the first line and applies the minimum-column check. Bodyfiles
// have no signature, so this check is the whole format test: a short or
// binary first line means "not a bodyfile", not a corrupt one.
func (p *Parser) Open(ctx context.Context, src container.Source) error {
	p.scanner = bufio.NewScanner(io.NewSectionReader(src, 0, src.Size()))
	p.scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	p.dctx = container.NewDecodeContext(src.Size())

	if !p.scanner.Scan() {
		return fmt.Errorf("%w: empty input", container.ErrUnsupportedFormat)
	}
	line := p.scanner.Text()
	rawLen := int64(len(p.scanner.Bytes())) + 1
	line = strings.TrimSuffix(line, "\r")
	if !utf8.ValidString(line) {
		return fmt.Errorf("%w: first line is not text", container.ErrUnsupportedFormat)
	}
	fields := splitEscaped(line)
	if len(fields) < minColumns {
		return fmt.Errorf("%w: first line has %d columns, need %d",
			container.ErrUnsupportedFormat, len(fields), minColumns)
	}

	p.pending = fields
	p.pendingOff = 0
	p.pendingLen = rawLen
	p.lineOffset = rawLen
	p.lineNumber = 1
	return nil
}

// Next returns the next line as a record. Lines after the first that fail
// the column check are warned about and skipped.
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

		var fields []string
		var offset, size int64
		if p.pending != nil {
			fields, offset, size = p.pending, p.pendingOff, p.pendingLen
			p.pending = nil
		} else {
			if !p.scanner.Scan() {
				if err := p.scanner.Err(); err != nil {
					p.opts.Warn(p.lineOffset, fmt.Sprintf("bodyfile read: %v", err))
					p.dctx.MarkTruncated()
				}
				p.done = true
				continue
			}
			raw := p.scanner.Bytes()
			offset = p.lineOffset
			size = int64(len(raw)) + 1
			p.lineOffset += size
			p.lineNumber++

			line := strings.TrimSuffix(string(raw), "\r")
			if line == "" {
				continue
			}
			fields = splitEscaped(line)
			if len(fields) < minColumns {
				p.opts.Warn(offset, fmt.Sprintf(
					"line %d has %d columns, need %d; line skipped", p.lineNumber, len(fields), minColumns))
				p.dctx.CountCorrupted()
				continue
			}
		}

		rec, err := p.decodeLine(fields, offset, size)
		if err != nil {
			p.opts.Warn(offset, fmt.Sprintf("line at offset %d: %v; line skipped", offset, err))
			p.dctx.CountCorrupted()
			continue
		}
		p.dctx.CountClean()
		return rec, nil
	}
}

// decodeLine converts the split columns into typed fields.
func (p *Parser) decodeLine(fields []string, offset, size int64) (*container.RawRecord, error) {
	out := map[string]any{
		"md5":  fields[0],
		"name": fields[1],
		"mode": fields[3],
	}

	// Inode columns can be composite "inode-seq-gen" values; the inode
	// proper is the first component.
	inodeToken := fields[2]
	if i := strings.IndexByte(inodeToken, '-'); i >= 0 {
		inodeToken = inodeToken[:i]
	}
	inode, err := parseMasked(inodeToken)
	if err != nil {
		return nil, fmt.Errorf("inode %q: %w", fields[2], err)
	}
	out["inode"] = inode

	for i, name := range []string{"uid", "gid", "size"} {
		v, err := parseMasked(fields[4+i])
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", name, fields[4+i], err)
		}
		out[name] = v
	}
	for i, name := range []string{"access_time", "change_time", "modification_time", "creation_time"} {
		v, err := parseMasked(fields[7+i])
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", name, fields[7+i], err)
		}
		out[name] = v
	}

	return &container.RawRecord{
		Offset:  offset,
		Size:    size,
		Fields:  out,
		Columns: columnNames,
	}, nil
}

// parseMasked parses a decimal field and masks it to the declared bit width
// when it exceeds the bound.
func parseMasked(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number")
	}
	return decode.MaskToWidth(v, timestampBits), nil
}

// splitEscaped splits on '|' honoring backslash escapes: `\|` is a literal
// pipe, `\\` a literal backslash. A trailing or unrecognized escape keeps
// the backslash.
func splitEscaped(line string) []string {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line) && (line[i+1] == '|' || line[i+1] == '\\'):
			cur.WriteByte(line[i+1])
			i++
		case c == '|':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// Summary reports the parse counters; valid after exhaustion or cancellation.
func (p *Parser) Summary() container.Summary {
	if p.dctx == nil {
		return container.Summary{}
	}
	return p.dctx.Summary()
}
