// Package pipeline drives a full extraction run over one file: signature
// scan, candidate parser selection, record iteration and plugin dispatch.
// The pipeline owns the fall-through between candidates and the isolation of
// plugin failures; parsers and plugins stay oblivious to each other.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/events"
	"github.com/twinfer/artifex/pkg/registry"
	"github.com/twinfer/artifex/pkg/sigscan"
)

// ErrNoParser is returned when no candidate parser accepts the file.
var ErrNoParser = errors.New("no parser accepts this file")

// Result is the accounting of one extraction run.
type Result struct {
	// Parser is the name of the parser that accepted the file.
	Parser string
	// Candidates lists every shortlisted parser, in the order tried.
	Candidates []string
	// Records is the number of raw records the parser yielded.
	Records int
	// Events is the number of events delivered to the sink after filtering.
	Events int
	// PluginFailures counts (plugin, record) pairs whose Process failed.
	// Each failure also produced a structured warning.
	PluginFailures int
	// Summary is the accepting parser's final parse accounting.
	Summary container.Summary
}

// Pipeline extracts events from files using a parser registry and a
// signature store. One Pipeline is safe for sequential reuse across files;
// each ExtractFile call builds fresh parser state.
type Pipeline struct {
	registry *registry.Registry
	store    *sigscan.Store
	logger   *slog.Logger
	filter   events.EventFilter
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithEventFilter drops events the filter rejects before they reach the
// sink. Filter errors become warnings on the sink.
func WithEventFilter(filter events.EventFilter) PipelineOption {
	return func(p *Pipeline) { p.filter = filter }
}

// New builds a pipeline over the given registry and signature store.
func New(reg *registry.Registry, store *sigscan.Store, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{registry: reg, store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// countingSink counts delivered events so Result can report them.
type countingSink struct {
	next   events.Sink
	events int
}

func (c *countingSink) Emit(e events.EventData) {
	c.events++
	c.next.Emit(e)
}

func (c *countingSink) EmitWarning(w events.Warning) { c.next.EmitWarning(w) }

// ExtractFile runs the full extraction over src, delivering events and
// warnings to sink. Candidates that reject the file via
// container.ErrUnsupportedFormat, or whose header fails to parse, are fallen
// through; only running out of candidates is an error.
func (p *Pipeline) ExtractFile(ctx context.Context, src container.Source, sink events.Sink) (*Result, error) {
	header, footer, err := p.scanWindows(src)
	if err != nil {
		return nil, fmt.Errorf("reading scan windows: %w", err)
	}
	candidates := p.store.Scan(header, footer, src.Size())
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no signature matched", ErrNoParser)
	}
	p.logger.DebugContext(ctx, "shortlisted candidate parsers", "candidates", candidates)

	result := &Result{Candidates: candidates}
	var lastErr error
	for _, name := range candidates {
		desc, ok := p.registry.Lookup(name)
		if !ok {
			p.logger.WarnContext(ctx, "signature names unregistered parser", "parser", name)
			continue
		}

		warn := func(offset int64, message string) {
			sink.EmitWarning(events.Warning{Parser: name, Offset: offset, Message: message})
		}
		parser := desc.Factory(container.WithLogger(p.logger), container.WithWarnFunc(warn))

		if err := parser.Open(ctx, src); err != nil {
			if errors.Is(err, container.ErrUnsupportedFormat) {
				p.logger.DebugContext(ctx, "candidate rejected file", "parser", name)
			} else {
				// A matching signature with a bad header: this attempt is
				// over, but the next candidate still gets its chance.
				p.logger.DebugContext(ctx, "candidate header failed", "parser", name, "error", err)
				lastErr = fmt.Errorf("parser %s: %w", name, err)
			}
			continue
		}

		result.Parser = name
		err := p.run(ctx, parser, desc.Plugins, sink, result)
		result.Summary = parser.Summary()
		return result, err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoParser, lastErr)
	}
	return nil, ErrNoParser
}

// run iterates the accepted parser to exhaustion, dispatching each record to
// every applicable plugin.
func (p *Pipeline) run(ctx context.Context, parser container.Parser, plugins []container.Plugin, sink events.Sink, result *Result) error {
	counting := &countingSink{next: sink}
	var eventSink events.Sink = counting
	if p.filter != nil {
		eventSink = &events.FilteredSink{Next: counting, Filter: p.filter}
	}

	for {
		rec, err := parser.Next(ctx)
		if errors.Is(err, container.ErrExhausted) {
			break
		}
		if err != nil {
			result.Events = counting.events
			return fmt.Errorf("parser %s: %w", parser.Name(), err)
		}
		result.Records++

		for _, plugin := range plugins {
			if !plugin.CheckApplicable(rec) {
				continue
			}
			if err := plugin.Process(eventSink, rec); err != nil {
				// One bad (plugin, record) pair never takes down the run.
				result.PluginFailures++
				sink.EmitWarning(events.Warning{
					Parser:  parser.Name(),
					Plugin:  plugin.Name(),
					Offset:  rec.Offset,
					Message: err.Error(),
				})
			}
		}
	}
	result.Events = counting.events
	return nil
}

// scanWindows reads the leading and trailing byte windows the signature
// store needs. Short files simply yield short windows.
func (p *Pipeline) scanWindows(src container.Source) (header, footer []byte, err error) {
	size := src.Size()

	n := p.store.HeaderWindow()
	if n > size {
		n = size
	}
	if n > 0 {
		header = make([]byte, n)
		if _, err := readFull(src, header, 0); err != nil {
			return nil, nil, err
		}
	}

	n = p.store.FooterWindow()
	if n > size {
		n = size
	}
	if n > 0 {
		footer = make([]byte, n)
		if _, err := readFull(src, footer, size-n); err != nil {
			return nil, nil, err
		}
	}
	return header, footer, nil
}

func readFull(src io.ReaderAt, p []byte, off int64) (int, error) {
	n, err := src.ReadAt(p, off)
	if n == len(p) {
		return n, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}
