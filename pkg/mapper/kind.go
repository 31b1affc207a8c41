// Package mapper resolves persistence strategies for entity types and moves
// field values between business objects and stores.
//
// A Registry is built once from a declarative Mapping plus one Descriptor per
// entity type. Construction validates everything eagerly, builds every mapper
// and caches it by (type, kind); after that the registry is read-mostly for
// the lifetime of the process.
package mapper

import "fmt"

// Kind selects a mapping strategy.
type Kind string

const (
	RelationalRecord Kind = "RdbRecord"
	RelationalSet    Kind = "RdbSet"
	RemoteRecord     Kind = "WsRecord"
	RemoteSet        Kind = "WsSet"
	ObjectToObject   Kind = "Obj"
)

// Kinds lists every supported kind.
var Kinds = []Kind{RelationalRecord, RelationalSet, RemoteRecord, RemoteSet, ObjectToObject}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) relational() bool { return k == RelationalRecord || k == RelationalSet }

func (k Kind) remote() bool { return k == RemoteRecord || k == RemoteSet }

func (k Kind) set() bool { return k == RelationalSet || k == RemoteSet }

// Operation names a store operation a mapper performs.
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

var recordOperations = []Operation{OpSelect, OpInsert, OpUpdate, OpDelete}

// defaultMethodSuffix mirrors the stored-procedure naming convention.
func defaultMethodName(entity string, op Operation) string {
	switch op {
	case OpSelect:
		return entity + "_sel"
	case OpInsert:
		return entity + "_ins"
	case OpUpdate:
		return entity + "_upd"
	case OpDelete:
		return entity + "_del"
	default:
		panic(fmt.Sprintf("mapper: unknown operation %q", op))
	}
}

type cacheKey struct {
	typeName string
	kind     Kind
}

func (c cacheKey) String() string { return c.typeName + "|" + string(c.kind) }
