package mapper

import (
	"fmt"
	"persistcore/pkg/domain"
	"strings"
)

// Mapping is the declarative mapping document: for each entity type, an
// ordered list of mapper configurations. The first one is the default.
type Mapping struct {
	Types []TypeMapping `yaml:"types" json:"types"`
}

// TypeMapping configures every strategy available for one type.
type TypeMapping struct {
	Type    string         `yaml:"type" json:"type"`
	Mappers []MapperConfig `yaml:"mappers" json:"mappers"`
}

// MapperConfig configures one (type, kind) mapper.
type MapperConfig struct {
	Kind Kind `yaml:"kind" json:"kind"`
	// Connection names the store connection for relational kinds.
	Connection string `yaml:"connection,omitempty" json:"connection,omitempty"`
	// Entity is the store-side entity (table, bucket) for relational kinds.
	Entity string `yaml:"entity,omitempty" json:"entity,omitempty"`
	// Item is the element type for set kinds.
	Item    string                     `yaml:"item,omitempty" json:"item,omitempty"`
	Methods map[Operation]MethodConfig `yaml:"methods,omitempty" json:"methods,omitempty"`
	Fields  []FieldMapping             `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// MethodConfig names the method run for one operation. Proxy and Params are
// used by remote kinds only.
type MethodConfig struct {
	Proxy  string        `yaml:"proxy,omitempty" json:"proxy,omitempty"`
	Name   string        `yaml:"name,omitempty" json:"name,omitempty"`
	Params []ParamConfig `yaml:"params,omitempty" json:"params,omitempty"`
}

// ParamConfig declares one positional remote parameter.
type ParamConfig struct {
	Name string `yaml:"name" json:"name"`
	Out  bool   `yaml:"out,omitempty" json:"out,omitempty"`
}

// FieldMapping translates one object field to a store-side name. For remote
// kinds Store may be an output binding such as "{returnParameter}.Total".
type FieldMapping struct {
	Object string `yaml:"object" json:"object"`
	Store  string `yaml:"store" json:"store"`
}

// Lookup returns the configuration for typeName.
func (m Mapping) Lookup(typeName string) (TypeMapping, bool) {
	for _, t := range m.Types {
		if t.Type == typeName {
			return t, true
		}
	}
	return TypeMapping{}, false
}

// Config returns the mapper configuration of kind for this type.
func (t TypeMapping) Config(kind Kind) (MapperConfig, bool) {
	for _, mc := range t.Mappers {
		if mc.Kind == kind {
			return mc, true
		}
	}
	return MapperConfig{}, false
}

// method returns the configured method for op, falling back to the
// {entity}_sel style default for relational kinds.
func (mc MapperConfig) method(op Operation) MethodConfig {
	m := mc.Methods[op]
	if m.Name == "" && mc.Kind.relational() && mc.Entity != "" {
		m.Name = defaultMethodName(mc.Entity, op)
	}
	return m
}

// CheckMapping validates the structure of a mapping document without any
// type descriptors: kinds, required attributes, duplicates and the syntax of
// every output binding.
func CheckMapping(m Mapping) error {
	seenTypes := make(map[string]struct{}, len(m.Types))
	for _, t := range m.Types {
		if strings.TrimSpace(t.Type) == "" {
			return invalid("", "", "type name required")
		}
		if _, dup := seenTypes[t.Type]; dup {
			return invalid(t.Type, "", "type configured twice")
		}
		seenTypes[t.Type] = struct{}{}
		if len(t.Mappers) == 0 {
			return invalid(t.Type, "", "at least one mapper required")
		}
		seenKinds := make(map[Kind]struct{}, len(t.Mappers))
		for _, mc := range t.Mappers {
			if err := checkMapperConfig(t.Type, mc); err != nil {
				return err
			}
			if _, dup := seenKinds[mc.Kind]; dup {
				return invalid(t.Type, mc.Kind, "kind configured twice")
			}
			seenKinds[mc.Kind] = struct{}{}
		}
	}
	return nil
}

func checkMapperConfig(typeName string, mc MapperConfig) error {
	if !mc.Kind.Valid() {
		return invalid(typeName, mc.Kind, "unknown kind")
	}
	if mc.Kind.relational() {
		if mc.Connection == "" {
			return invalid(typeName, mc.Kind, "connection required")
		}
		if mc.Entity == "" {
			return invalid(typeName, mc.Kind, "entity required")
		}
	}
	if mc.Kind.set() && mc.Item == "" {
		return invalid(typeName, mc.Kind, "item type required")
	}
	if mc.Kind.remote() {
		ops := recordOperations
		if mc.Kind.set() {
			ops = []Operation{OpSelect}
		}
		for _, op := range ops {
			m, ok := mc.Methods[op]
			if !ok {
				continue
			}
			if m.Proxy == "" || m.Name == "" {
				return invalid(typeName, mc.Kind, fmt.Sprintf("method %s needs proxy and name", op))
			}
			seen := make(map[string]struct{}, len(m.Params))
			for _, p := range m.Params {
				if p.Name == "" {
					return invalid(typeName, mc.Kind, fmt.Sprintf("method %s has an unnamed parameter", op))
				}
				if _, dup := seen[p.Name]; dup {
					return invalid(typeName, mc.Kind, fmt.Sprintf("method %s repeats parameter %s", op, p.Name))
				}
				seen[p.Name] = struct{}{}
			}
		}
		if _, ok := mc.Methods[OpSelect]; !ok {
			return invalid(typeName, mc.Kind, "select method required")
		}
	}
	seenFields := make(map[string]struct{}, len(mc.Fields))
	for _, f := range mc.Fields {
		if f.Object == "" || f.Store == "" {
			return invalid(typeName, mc.Kind, "field mapping needs object and store names")
		}
		if _, dup := seenFields[f.Object]; dup {
			return invalid(typeName, mc.Kind, fmt.Sprintf("field %s mapped twice", f.Object))
		}
		seenFields[f.Object] = struct{}{}
		if mc.Kind.remote() {
			if _, err := parseBinding(f.Store, allParams(mc)); err != nil {
				return &domain.ConfigurationError{Type: typeName, Kind: string(mc.Kind), Field: f.Object, Reason: err.Error(), Err: domain.ErrInvalidMapping}
			}
		}
	}
	return nil
}

func allParams(mc MapperConfig) []ParamConfig {
	var out []ParamConfig
	seen := map[string]struct{}{}
	for _, op := range recordOperations {
		for _, p := range mc.Methods[op].Params {
			if _, ok := seen[p.Name]; ok {
				continue
			}
			seen[p.Name] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func invalid(typeName string, kind Kind, reason string) error {
	return &domain.ConfigurationError{Type: typeName, Kind: string(kind), Reason: reason, Err: domain.ErrInvalidMapping}
}
