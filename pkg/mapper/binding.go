package mapper

import (
	"fmt"
	"persistcore/pkg/domain"
	"strings"
	"sync"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// ReturnParameter is the sentinel that binds the overall call result.
const ReturnParameter = "{returnParameter}"

type bindingSource int

const (
	bindNone bindingSource = iota
	bindResult
	bindParam
)

// binding writes part of a remote call's output back onto an object field.
type binding struct {
	field   string
	source  bindingSource
	param   int
	path    string
	program *exprvm.Program
}

// parseBinding classifies a store-side name. Plain names return bindNone.
// "{returnParameter}" and "{returnParameter}.X" read the call result; "p",
// "p.X" and "p[i]" read output parameter p. Only parameters declared out
// can be bound. When several names prefix the binding the longest one wins.
func parseBinding(store string, params []ParamConfig) (binding, error) {
	if rest, ok := strings.CutPrefix(store, ReturnParameter); ok {
		b := binding{source: bindResult}
		return b.withPath(rest)
	}
	best := -1
	for i, p := range params {
		if !p.Out || !strings.HasPrefix(store, p.Name) {
			continue
		}
		rest := store[len(p.Name):]
		if rest != "" && rest[0] != '.' && rest[0] != '[' {
			continue
		}
		if best < 0 || len(p.Name) > len(params[best].Name) {
			best = i
		}
	}
	if best < 0 {
		return binding{source: bindNone}, nil
	}
	b := binding{source: bindParam, param: best}
	return b.withPath(store[len(params[best].Name):])
}

func (b binding) withPath(rest string) (binding, error) {
	if rest == "" {
		return b, nil
	}
	if rest[0] != '.' && rest[0] != '[' {
		return binding{}, fmt.Errorf("binding suffix %q must start with . or [", rest)
	}
	b.path = "v" + rest
	program, err := compileProgram(b.path)
	if err != nil {
		return binding{}, err
	}
	b.program = program
	return b, nil
}

// value extracts the bound value from a call result.
func (b binding) value(result any, outputs []any) (any, bool, error) {
	var base any
	switch b.source {
	case bindResult:
		base = result
	case bindParam:
		if b.param >= len(outputs) {
			return nil, false, nil
		}
		base = outputs[b.param]
	default:
		return nil, false, nil
	}
	if b.program == nil {
		return base, true, nil
	}
	if base == nil {
		return nil, false, nil
	}
	v, err := exprlang.Run(b.program, map[string]any{"v": base})
	if err != nil {
		return nil, false, fmt.Errorf("evaluate %s: %w", b.path, err)
	}
	return v, true, nil
}

func compileProgram(expression string) (*exprvm.Program, error) {
	return exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
}

// programCache keeps compiled member-access programs keyed by expression.
type programCache struct {
	mu       sync.RWMutex
	programs map[string]*exprvm.Program
}

func newProgramCache() *programCache {
	return &programCache{programs: make(map[string]*exprvm.Program)}
}

func (c *programCache) load(expression string) (*exprvm.Program, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := compileProgram(expression)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.programs[expression] = p
	c.mu.Unlock()
	return p, nil
}

// lookup reads name from a map or struct value. Maps are indexed directly
// unless name is a path; anything else goes through a cached member-access
// program.
func (c *programCache) lookup(value any, name string) (any, bool) {
	switch m := value.(type) {
	case nil:
		return nil, false
	case map[string]any:
		if v, ok := m[name]; ok || !strings.ContainsAny(name, ".[") {
			return v, ok
		}
	case domain.Fields:
		if v, ok := m[name]; ok || !strings.ContainsAny(name, ".[") {
			return v, ok
		}
	}
	p, err := c.load("v." + name)
	if err != nil {
		return nil, false
	}
	v, err := exprlang.Run(p, map[string]any{"v": value})
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}
