package sigscan

import (
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Signature catalogs are data, not code: deployments extend the scanner by
// shipping a YAML catalog alongside the binary.
//
//	formats:
//	  - parser: evtlog
//	    signatures:
//	      - pattern: "LfLe"
//	        offset: 4
//	  - parser: biome
//	    signatures:
//	      - pattern_hex: "53454742"
//	        offset: 52
//	  - parser: bodyfile   # heuristic-only, no signatures
type catalogDoc struct {
	Formats []formatDoc `yaml:"formats"`
}

type formatDoc struct {
	Parser     string         `yaml:"parser"`
	Signatures []signatureDoc `yaml:"signatures"`
}

type signatureDoc struct {
	Pattern    string `yaml:"pattern"`
	PatternHex string `yaml:"pattern_hex"`
	Offset     int64  `yaml:"offset"`
}

// LoadYAML parses a signature catalog and adds every specification to the
// store. The first error aborts loading; the store may hold a prefix of the
// catalog at that point, so callers should treat failure as fatal
// configuration, same as a duplicate registration.
func (s *Store) LoadYAML(data []byte) error {
	var doc catalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing signature catalog: %w", err)
	}
	for _, f := range doc.Formats {
		spec := FormatSpecification{Parser: f.Parser}
		for _, sd := range f.Signatures {
			pattern, err := sd.pattern()
			if err != nil {
				return fmt.Errorf("parser %q: %w", f.Parser, err)
			}
			spec.Signatures = append(spec.Signatures, Signature{Pattern: pattern, Offset: sd.Offset})
		}
		if err := s.Add(spec); err != nil {
			return err
		}
	}
	return nil
}

func (sd signatureDoc) pattern() ([]byte, error) {
	switch {
	case sd.Pattern != "" && sd.PatternHex != "":
		return nil, fmt.Errorf("signature sets both pattern and pattern_hex")
	case sd.Pattern != "":
		return []byte(sd.Pattern), nil
	case sd.PatternHex != "":
		b, err := hex.DecodeString(sd.PatternHex)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern_hex %q: %w", sd.PatternHex, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("signature with no pattern")
	}
}
