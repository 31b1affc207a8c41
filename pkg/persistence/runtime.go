// Package persistence tracks the lifecycle of business entities and turns it
// into store operations.
//
// Business types embed Entity and are attached to a Runtime with Init. Every
// entity carries one of five states (New, OldClean, OldDirty, OldDelete,
// Deleted); Save and Delete dispatch through the current state, which calls
// the entity type's mapper and advances the state. Collections track
// membership and pending deletions of child entities, and a Coordinator
// commits many entities and collections as one unit of work, locally or
// inside a distributed scope.
package persistence

import (
	"context"
	"os"
	"persistcore/pkg/domain"
	"persistcore/pkg/log"
	"persistcore/pkg/mapper"
	"time"
)

// MetricsRecorder observes the outcome and latency of persistence operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// Runtime is the explicit context shared by entities, collections and
// coordinators: the mapper registry plus the connectors behind it.
type Runtime struct {
	reg     *mapper.Registry
	store   domain.DataStore
	scopes  domain.ScopeProvider
	sink    domain.ExceptionSink
	logger  log.Logger
	metrics MetricsRecorder
	host    string
	now     func() time.Time
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithStore overrides the data store used for local transactions and server
// identity lookups. It defaults to the registry's store.
func WithStore(store domain.DataStore) Option {
	return func(rt *Runtime) { rt.store = store }
}

// WithScopes sets the provider of distributed scopes.
func WithScopes(scopes domain.ScopeProvider) Option {
	return func(rt *Runtime) { rt.scopes = scopes }
}

// WithSink sets where failed units of work are recorded.
func WithSink(sink domain.ExceptionSink) Option {
	return func(rt *Runtime) { rt.sink = sink }
}

// WithLogger sets the structured logger.
func WithLogger(logger log.Logger) Option {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(rt *Runtime) {
		if metrics != nil {
			rt.metrics = metrics
		}
	}
}

// WithHost overrides the origin host stamped on exception records.
func WithHost(host string) Option {
	return func(rt *Runtime) { rt.host = host }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(rt *Runtime) {
		if now != nil {
			rt.now = now
		}
	}
}

// NewRuntime builds a runtime over reg. It installs itself as the registry's
// instantiator so set members and nested values that embed Entity come back
// attached to this runtime.
func NewRuntime(reg *mapper.Registry, opts ...Option) *Runtime {
	host, _ := os.Hostname()
	rt := &Runtime{
		reg:     reg,
		store:   reg.Store(),
		logger:  log.Nop(),
		metrics: nopMetrics{},
		host:    host,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}
	if rt.scopes == nil {
		rt.scopes = autonomousScopes{}
	}
	reg.SetInstantiator(rt.instantiate)
	return rt
}

// Registry returns the mapper registry.
func (rt *Runtime) Registry() *mapper.Registry { return rt.reg }

// Logger returns the runtime logger.
func (rt *Runtime) Logger() log.Logger { return rt.logger }

// Init attaches obj to the runtime as a New entity of typeName. The key is
// taken from the object's current field values.
func (rt *Runtime) Init(obj Object, typeName string) error {
	d, err := rt.reg.Descriptor(typeName)
	if err != nil {
		return err
	}
	kind, err := rt.reg.DefaultKind(typeName)
	if err != nil {
		return err
	}
	e := obj.Base()
	*e = Entity{
		rt:       rt,
		typeName: typeName,
		kind:     kind,
		desc:     d,
		value:    obj,
		state:    StateNew,
	}
	return e.syncKey()
}

// New builds a fresh value of typeName through its descriptor factory and
// initializes it. The factory must return a type that embeds Entity.
func (rt *Runtime) New(typeName string) (Object, error) {
	d, err := rt.reg.Descriptor(typeName)
	if err != nil {
		return nil, err
	}
	if d.New == nil {
		return nil, &domain.ConfigurationError{Type: typeName, Reason: "descriptor has no factory", Err: domain.ErrInvalidMapping}
	}
	obj, ok := d.New().(Object)
	if !ok {
		return nil, &domain.ConfigurationError{Type: typeName, Reason: "factory value does not embed persistence.Entity", Err: domain.ErrInvalidMapping}
	}
	if err := rt.Init(obj, typeName); err != nil {
		return nil, err
	}
	return obj, nil
}

func (rt *Runtime) instantiate(typeName string) (mapper.Record, error) {
	d, err := rt.reg.Descriptor(typeName)
	if err != nil || d.New == nil {
		return nil, err
	}
	obj, ok := d.New().(Object)
	if !ok {
		return nil, nil
	}
	if err := rt.Init(obj, typeName); err != nil {
		return nil, err
	}
	return obj.Base(), nil
}

// Locate returns a Locator for typeName's default mapper, for planning units
// of work without live entities.
func (rt *Runtime) Locate(typeName string) Locator {
	return typeLocator{rt: rt, typeName: typeName}
}

type typeLocator struct {
	rt       *Runtime
	typeName string
}

func (l typeLocator) Connection() (domain.ConnectionID, bool) {
	kind, err := l.rt.reg.DefaultKind(l.typeName)
	if err != nil {
		return "", false
	}
	return l.rt.connection(l.typeName, kind)
}

// Plan classifies a unit of work over locators against the runtime's store.
func (rt *Runtime) Plan(locators ...Locator) (Plan, error) {
	return Classify(locators, rt.identity)
}

func (rt *Runtime) connection(typeName string, kind mapper.Kind) (domain.ConnectionID, bool) {
	mp, err := rt.reg.Resolve(typeName, kind)
	if err != nil {
		return "", false
	}
	c, ok := mp.(mapper.Connected)
	if !ok {
		return "", false
	}
	return c.Connection(), true
}

func (rt *Runtime) identity(conn domain.ConnectionID) (string, error) {
	if rt.store == nil {
		return "", &domain.ConfigurationError{Reason: "no data store configured", Err: domain.ErrInvalidMapping}
	}
	return rt.store.ServerIdentity(conn)
}

// report forwards err to the exception sink. Sink failures are logged only.
func (rt *Runtime) report(ctx context.Context, err error, extra map[string]string) {
	if rt.sink == nil || err == nil {
		return
	}
	for _, rec := range domain.ExceptionRecords(err, rt.host, extra, rt.now()) {
		if serr := rt.sink.Record(ctx, rec); serr != nil {
			rt.logger.Error("exception sink failed", log.Err(serr), log.String("kind", rec.Kind))
			return
		}
	}
}

func (rt *Runtime) observe(ctx context.Context, op string, start time.Time, err error) {
	rt.metrics.Observe(ctx, op, err == nil, rt.now().Sub(start))
}

// autonomousScopes is used when no scope provider is configured: each
// participant's store call commits on its own.
type autonomousScopes struct{}

func (autonomousScopes) BeginScope(context.Context, []domain.ConnectionID) (domain.Scope, error) {
	return autonomousScope{}, nil
}

type autonomousScope struct{}

func (autonomousScope) Complete(context.Context) error { return nil }
func (autonomousScope) Close(context.Context) error    { return nil }
