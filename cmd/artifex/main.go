package main

import (
	"context"
	"fmt"

	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/spf13/afero"

	"github.com/twinfer/artifex/internal/filter"
	"github.com/twinfer/artifex/pkg/container"
	"github.com/twinfer/artifex/pkg/events"
	"github.com/twinfer/artifex/pkg/pipeline"
)

// ExtractProcessor is a Benthos processor that runs the artifact extraction
// pipeline over each message. The message payload is the artifact content;
// alternatively an `artifact_path` metadata key names a file to read below
// the configured root path.
type ExtractProcessor struct {
	config     ExtractConfig
	pipeline   *pipeline.Pipeline
	fs         afero.Fs
	logger     *service.Logger
	mFiles     *service.MetricCounter
	mEvents    *service.MetricCounter
	mRecovered *service.MetricCounter
	mCorrupted *service.MetricCounter
	mWarnings  *service.MetricCounter
	mErrors    *service.MetricCounter
}

// ExtractConfig contains configuration parameters for the extract processor.
type ExtractConfig struct {
	Parsers          []string `json:"parsers" yaml:"parsers"`
	Filter           string   `json:"filter" yaml:"filter"`
	SignatureCatalog string   `json:"signature_catalog" yaml:"signature_catalog"`
	RootPath         string   `json:"root_path" yaml:"root_path"`
}

func init() {
	err := service.RegisterProcessor(
		"artifact_extract",
		extractProcessorConfig(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Processor, error) {
			return newExtractProcessorFromConfig(conf, mgr)
		},
	)
	if err != nil {
		panic(err)
	}
}

// extractProcessorConfig returns a config spec for an artifact_extract
// processor.
func extractProcessorConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Extracts timestamped events from forensic artifact files.").
		Description("Identifies the container format by signature, parses its records and emits one structured message per extracted event. Corrupt records produce warnings, not failures.").
		Field(service.NewStringListField("parsers").
			Description("Names of the built-in parsers to enable. An empty list enables all of them.").
			Default([]string{})).
		Field(service.NewStringField("filter").
			Description("Optional CEL expression over data_type, timestamp, timestamp_desc and attributes; events it rejects are dropped.").
			Example(`data_type == "evtlog:record" && attributes.event_id == 4624u`).
			Default("")).
		Field(service.NewStringField("signature_catalog").
			Description("Path to a YAML signature catalog extending the built-in format signatures. Leave empty to use only the built-ins.").
			Default("")).
		Field(service.NewStringField("root_path").
			Description("Directory that artifact_path metadata values are resolved under. Leave empty to take artifact content from the message payload only.").
			Default("")).
		Version("0.1.0")
}

// newExtractProcessorFromConfig creates a new ExtractProcessor from a parsed
// config.
func newExtractProcessorFromConfig(conf *service.ParsedConfig, mgr *service.Resources) (*ExtractProcessor, error) {
	parsers, err := conf.FieldStringList("parsers")
	if err != nil {
		return nil, err
	}
	filterExpr, err := conf.FieldString("filter")
	if err != nil {
		return nil, err
	}
	catalogPath, err := conf.FieldString("signature_catalog")
	if err != nil {
		return nil, err
	}
	rootPath, err := conf.FieldString("root_path")
	if err != nil {
		return nil, err
	}

	var fs afero.Fs = afero.NewOsFs()
	if rootPath != "" {
		fs = afero.NewBasePathFs(fs, rootPath)
	}

	reg, store, err := pipeline.DefaultsFor(parsers...)
	if err != nil {
		return nil, err
	}
	if catalogPath != "" {
		data, err := afero.ReadFile(fs, catalogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read signature catalog: %w", err)
		}
		if err := store.LoadYAML(data); err != nil {
			return nil, fmt.Errorf("failed to load signature catalog: %w", err)
		}
	}

	opts := []pipeline.PipelineOption{}
	if filterExpr != "" {
		f, err := filter.New(filterExpr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile event filter: %w", err)
		}
		opts = append(opts, pipeline.WithEventFilter(f))
	}

	metrics := mgr.Metrics()
	return &ExtractProcessor{
		config: ExtractConfig{
			Parsers:          parsers,
			Filter:           filterExpr,
			SignatureCatalog: catalogPath,
			RootPath:         rootPath,
		},
		pipeline:   pipeline.New(reg, store, opts...),
		fs:         fs,
		logger:     mgr.Logger(),
		mFiles:     metrics.NewCounter("artifact_files_processed"),
		mEvents:    metrics.NewCounter("artifact_events_extracted"),
		mRecovered: metrics.NewCounter("artifact_records_recovered"),
		mCorrupted: metrics.NewCounter("artifact_records_corrupted"),
		mWarnings:  metrics.NewCounter("artifact_extraction_warnings"),
		mErrors:    metrics.NewCounter("artifact_extraction_errors"),
	}, nil
}

// Process extracts events from one artifact message.
func (p *ExtractProcessor) Process(ctx context.Context, msg *service.Message) (service.MessageBatch, error) {
	src, name, err := p.artifactSource(msg)
	if err != nil {
		p.logger.Errorf("Failed to read artifact: %v", err)
		p.mErrors.Incr(1)
		msg.SetError(err)
		return service.MessageBatch{msg}, nil
	}

	var sink events.Collector
	result, err := p.pipeline.ExtractFile(ctx, src, &sink)
	if err != nil {
		p.logger.Errorf("Extraction of %s failed: %v", name, err)
		p.mErrors.Incr(1)
		msg.SetError(fmt.Errorf("extraction of %s failed: %w", name, err))
		return service.MessageBatch{msg}, nil
	}

	p.mFiles.Incr(1)
	p.mEvents.Incr(int64(result.Events))
	p.mRecovered.Incr(int64(result.Summary.Recovered))
	p.mCorrupted.Incr(int64(result.Summary.Corrupted))
	p.mWarnings.Incr(int64(len(sink.Warnings)))
	for _, w := range sink.Warnings {
		p.logger.Warnf("%s: parser=%s plugin=%s offset=%d: %s", name, w.Parser, w.Plugin, w.Offset, w.Message)
	}
	p.logger.Debugf("Extracted %d events from %s via %s (clean=%d recovered=%d corrupted=%d)",
		result.Events, name, result.Parser,
		result.Summary.Clean, result.Summary.Recovered, result.Summary.Corrupted)

	batch := make(service.MessageBatch, 0, len(sink.Events))
	for _, e := range sink.Events {
		out := service.NewMessage(nil)
		out.SetStructured(map[string]any{
			"data_type":      e.DataType,
			"timestamp":      e.Timestamp,
			"timestamp_desc": e.TimestampDesc,
			"attributes":     e.Attributes,
		})
		out.MetaSet("artifact_parser", result.Parser)
		msg.MetaWalk(func(key, value string) error {
			out.MetaSet(key, value)
			return nil
		})
		batch = append(batch, out)
	}
	return batch, nil
}

// artifactSource resolves the artifact bytes: the artifact_path metadata key
// wins when set, otherwise the message payload is the artifact.
func (p *ExtractProcessor) artifactSource(msg *service.Message) (container.Source, string, error) {
	if path, ok := msg.MetaGet("artifact_path"); ok && path != "" {
		data, err := afero.ReadFile(p.fs, path)
		if err != nil {
			return nil, path, fmt.Errorf("failed to read artifact file %s: %w", path, err)
		}
		return container.BytesSource(data), path, nil
	}

	data, err := msg.AsBytes()
	if err != nil {
		return nil, "message", fmt.Errorf("failed to get artifact bytes from message: %w", err)
	}
	if len(data) == 0 {
		return nil, "message", fmt.Errorf("empty artifact content")
	}
	return container.BytesSource(data), "message", nil
}

// Close the processor resources.
func (p *ExtractProcessor) Close(ctx context.Context) error {
	return nil
}

func main() {
	service.RunCLI(context.Background())
}
