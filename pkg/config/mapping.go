package config

import (
	"bytes"
	"fmt"
	"os"
	"persistcore/pkg/mapper"

	"gopkg.in/yaml.v3"
)

// LoadMapping reads and structurally checks a YAML mapping document.
func LoadMapping(path string) (mapper.Mapping, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return mapper.Mapping{}, fmt.Errorf("read mapping: %w", err)
	}
	m, err := ParseMapping(b)
	if err != nil {
		return mapper.Mapping{}, fmt.Errorf("mapping %s: %w", path, err)
	}
	return m, nil
}

// ParseMapping decodes a YAML mapping document, rejecting unknown keys.
func ParseMapping(b []byte) (mapper.Mapping, error) {
	var m mapper.Mapping
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return mapper.Mapping{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := mapper.CheckMapping(m); err != nil {
		return mapper.Mapping{}, err
	}
	return m, nil
}
