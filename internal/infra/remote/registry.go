// Package remote implements domain.RemoteService: an in-process registry of
// named methods, and a JSON-over-HTTP client with a matching server handler.
package remote

import (
	"context"
	"errors"
	"fmt"
	"persistcore/pkg/domain"
	"sort"
	"sync"
)

// ErrUnknownMethod is returned for a proxy/method pair nobody registered.
var ErrUnknownMethod = errors.New("unknown remote method")

// Method is a callable remote operation. outputs, when non-nil, is aligned
// with params and carries values of output parameters.
type Method func(ctx context.Context, params []any) (result any, outputs []any, err error)

var _ domain.RemoteService = (*Registry)(nil)

// Registry dispatches Invoke to methods registered in process.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

func methodKey(proxy, method string) string { return proxy + "." + method }

// Register binds proxy.method to fn, replacing an earlier binding.
func (r *Registry) Register(proxy, method string, fn Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[methodKey(proxy, method)] = fn
}

// Methods lists registered "proxy.method" names, sorted.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for k := range r.methods {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Invoke(ctx context.Context, proxy, method string, params []any) (any, []any, error) {
	r.mu.RLock()
	fn, ok := r.methods[methodKey(proxy, method)]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%s.%s: %w", proxy, method, ErrUnknownMethod)
	}
	result, outputs, err := fn(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	if outputs == nil {
		outputs = make([]any, len(params))
	}
	return result, outputs, nil
}
