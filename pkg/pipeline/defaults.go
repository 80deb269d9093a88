package pipeline

import (
	"strconv"

	"github.com/twinfer/artifex/pkg/biome"
	"github.com/twinfer/artifex/pkg/bodyfile"
	"github.com/twinfer/artifex/pkg/cachefile"
	"github.com/twinfer/artifex/pkg/evtlog"
	"github.com/twinfer/artifex/pkg/journal"
	"github.com/twinfer/artifex/pkg/registry"
	"github.com/twinfer/artifex/pkg/sigscan"
)

// DefaultRegistry returns a registry with every built-in parser and its
// plugins registered.
func DefaultRegistry() *registry.Registry {
	r := registry.New()

	r.MustRegisterParser(cachefile.ParserName, cachefile.New)
	r.MustRegisterPlugin(cachefile.ParserName, cachefile.EntryPlugin{})

	r.MustRegisterParser(journal.ParserName, journal.New)
	r.MustRegisterPlugin(journal.ParserName, journal.EntryFieldsPlugin{})

	r.MustRegisterParser(evtlog.ParserName, evtlog.New)
	r.MustRegisterPlugin(evtlog.ParserName, evtlog.RecordPlugin{})

	r.MustRegisterParser(bodyfile.ParserName, bodyfile.New)
	r.MustRegisterPlugin(bodyfile.ParserName, bodyfile.EntryPlugin{})

	r.MustRegisterParser(biome.ParserName, biome.New)
	r.MustRegisterPlugin(biome.ParserName, biome.StreamItemPlugin{})

	return r
}

// defaultSpecs lists the built-in format specifications. The bodyfile format
// has no signature, so it is heuristic-only: always shortlisted last,
// accepted or rejected by its own first-line check.
func defaultSpecs() []sigscan.FormatSpecification {
	return []sigscan.FormatSpecification{
		{
			Parser: cachefile.ParserName,
			Signatures: []sigscan.Signature{
				{Pattern: []byte{0xC3, 0xCA, 0x03, 0xC1}, Offset: 0},
			},
		},
		{
			Parser: journal.ParserName,
			Signatures: []sigscan.Signature{
				{Pattern: journal.Signature, Offset: 0},
			},
		},
		{
			Parser: evtlog.ParserName,
			Signatures: []sigscan.Signature{
				{Pattern: evtlog.Magic, Offset: evtlog.MagicOffset},
			},
		},
		{
			Parser: biome.ParserName,
			Signatures: []sigscan.Signature{
				{Pattern: biome.Magic, Offset: biome.MagicOffset},
			},
		},
		{Parser: bodyfile.ParserName},
	}
}

// DefaultStore returns a signature store describing every built-in parser.
func DefaultStore() *sigscan.Store {
	s := sigscan.NewStore()
	for _, spec := range defaultSpecs() {
		if err := s.Add(spec); err != nil {
			panic(err)
		}
	}
	return s
}

// DefaultsFor returns a registry and store restricted to the named built-in
// parsers. An empty list keeps all of them; an unknown name is a
// configuration error.
func DefaultsFor(names ...string) (*registry.Registry, *sigscan.Store, error) {
	if len(names) == 0 {
		return DefaultRegistry(), DefaultStore(), nil
	}
	full := DefaultRegistry()
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := full.Lookup(n); !ok {
			return nil, nil, &registry.ConfigurationError{Reason: "unknown parser " + strconv.Quote(n)}
		}
		allowed[n] = true
	}

	reg := registry.New()
	for _, name := range full.Names() {
		if !allowed[name] {
			continue
		}
		desc, _ := full.Lookup(name)
		if err := reg.RegisterParser(name, desc.Factory); err != nil {
			return nil, nil, err
		}
		for _, plugin := range desc.Plugins {
			if err := reg.RegisterPlugin(name, plugin); err != nil {
				return nil, nil, err
			}
		}
	}

	store := sigscan.NewStore()
	for _, spec := range defaultSpecs() {
		if !allowed[spec.Parser] {
			continue
		}
		if err := store.Add(spec); err != nil {
			return nil, nil, err
		}
	}
	return reg, store, nil
}

// NewDefault builds a pipeline over the built-in registry and store.
func NewDefault(opts ...PipelineOption) *Pipeline {
	return New(DefaultRegistry(), DefaultStore(), opts...)
}
