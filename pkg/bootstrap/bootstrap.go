// Package bootstrap assembles a persistence runtime from configuration:
// store connections, remote services, the exception sink, metrics and the
// mapper registry.
package bootstrap

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"persistcore/internal/infra/blob"
	blobfs "persistcore/internal/infra/blob/fs"
	blobmem "persistcore/internal/infra/blob/memory"
	blobs3 "persistcore/internal/infra/blob/s3"
	"persistcore/internal/infra/exceptionlog"
	"persistcore/internal/infra/remote"
	"persistcore/internal/infra/scope"
	"persistcore/internal/infra/store"
	"persistcore/internal/infra/store/badgerstore"
	"persistcore/internal/infra/store/memory"
	"persistcore/internal/infra/store/sqlstore"
	"persistcore/internal/observability"
	"persistcore/pkg/config"
	"persistcore/pkg/domain"
	"persistcore/pkg/log"
	"persistcore/pkg/mapper"
	"persistcore/pkg/persistence"

	"github.com/prometheus/client_golang/prometheus"
)

// Env is an assembled runtime and the connectors behind it.
type Env struct {
	Config   config.Config
	Runtime  *persistence.Runtime
	Registry *mapper.Registry
	Store    *store.Router
	Remote   domain.RemoteService
	Sink     domain.ExceptionSink
	Logger   log.Logger

	backends map[domain.ConnectionID]store.Backend
}

// Option adjusts Open.
type Option func(*options)

type options struct {
	mapping    *mapper.Mapping
	methods    map[[2]string]remote.Method
	logOut     io.Writer
	registerer prometheus.Registerer
}

// WithMapping uses m instead of reading cfg.MappingFile.
func WithMapping(m mapper.Mapping) Option {
	return func(o *options) { o.mapping = &m }
}

// WithLocalMethod registers proxy.method on the local remote-service driver.
func WithLocalMethod(proxy, method string, fn remote.Method) Option {
	return func(o *options) { o.methods[[2]string{proxy, method}] = fn }
}

// WithLogWriter sends log output to w instead of stderr.
func WithLogWriter(w io.Writer) Option {
	return func(o *options) { o.logOut = w }
}

// WithRegisterer registers Prometheus collectors with reg instead of the
// default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Open builds every connector named by cfg and a runtime over descriptors.
// On error, anything already opened is closed.
func Open(ctx context.Context, cfg config.Config, descriptors []*mapper.Descriptor, opts ...Option) (_ *Env, err error) {
	o := options{methods: make(map[[2]string]remote.Method)}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	env := &Env{
		Config:   cfg,
		Logger:   log.NewZerolog(log.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: o.logOut}),
		Store:    store.NewRouter(),
		backends: make(map[domain.ConnectionID]store.Backend),
	}
	defer func() {
		if err != nil {
			_ = env.Close()
		}
	}()

	if err := env.openConnections(ctx); err != nil {
		return nil, err
	}
	if env.Remote, err = openRemote(cfg.Remote, o.methods, env.Logger); err != nil {
		return nil, err
	}
	if env.Sink, err = env.openSink(ctx); err != nil {
		return nil, err
	}
	metrics, err := openMetrics(cfg.Metrics, o.registerer)
	if err != nil {
		return nil, err
	}

	m := o.mapping
	if m == nil {
		loaded, err := config.LoadMapping(cfg.MappingFile)
		if err != nil {
			return nil, err
		}
		m = &loaded
	}
	env.Registry, err = mapper.NewRegistry(*m, descriptors,
		mapper.WithDataStore(env.Store),
		mapper.WithRemoteService(env.Remote))
	if err != nil {
		return nil, err
	}

	rtOpts := []persistence.Option{
		persistence.WithStore(env.Store),
		persistence.WithScopes(scope.NewProvider(env.Store, env.Logger)),
		persistence.WithSink(env.Sink),
		persistence.WithLogger(env.Logger),
		persistence.WithMetrics(metrics),
	}
	if cfg.Host != "" {
		rtOpts = append(rtOpts, persistence.WithHost(cfg.Host))
	}
	env.Runtime = persistence.NewRuntime(env.Registry, rtOpts...)
	env.Logger.Info("runtime ready",
		log.Int("connections", len(cfg.Connections)),
		log.String("remote", cfg.Remote.Driver),
		log.String("exceptions", cfg.Exceptions.Driver),
		log.String("metrics", cfg.Metrics.Backend))
	return env, nil
}

// Close closes every store connection.
func (e *Env) Close() error {
	if e == nil || e.Store == nil {
		return nil
	}
	return e.Store.Close()
}

// OpenStore opens only the store connections named by cfg.
func OpenStore(ctx context.Context, cfg config.Config, logger log.Logger) (*store.Router, error) {
	if logger == nil {
		logger = log.Nop()
	}
	env := &Env{Config: cfg, Logger: logger, Store: store.NewRouter(), backends: make(map[domain.ConnectionID]store.Backend)}
	if err := env.openConnections(ctx); err != nil {
		_ = env.Close()
		return nil, err
	}
	return env.Store, nil
}

// openConnections opens one backend per distinct (driver, dsn) pair and
// aliases the remaining ids to it, so they share transactions.
func (e *Env) openConnections(ctx context.Context) error {
	type target struct{ driver, dsn string }
	opened := make(map[target]domain.ConnectionID)
	for _, id := range e.Config.ConnectionIDs() {
		conn := e.Config.Connections[id]
		cid := domain.ConnectionID(id)
		t := target{conn.Driver, conn.DSN}
		shareable := conn.DSN != "" && conn.DSN != ":memory:"
		if first, ok := opened[t]; ok && shareable && conn.Identity == "" {
			if err := e.Store.Alias(cid, first); err != nil {
				return err
			}
			e.backends[cid] = e.backends[first]
			e.Logger.Debug("connection aliased", log.String("connection", id), log.String("target", string(first)))
			continue
		}
		b, err := openBackend(ctx, id, conn)
		if err != nil {
			return fmt.Errorf("connection %s: %w", id, err)
		}
		e.backends[cid] = b
		if conn.Identity != "" {
			b = identified{Backend: b, identity: conn.Identity}
		}
		e.Store.Register(cid, b)
		opened[t] = cid
		e.Logger.Debug("connection opened", log.String("connection", id), log.String("driver", conn.Driver), log.String("identity", b.Identity()))
	}
	return nil
}

func openBackend(ctx context.Context, id string, conn config.Connection) (store.Backend, error) {
	switch conn.Driver {
	case config.DriverMemory:
		name := conn.DSN
		if name == "" {
			name = id
		}
		return memory.New("memory:" + name), nil
	case config.DriverSQLite:
		return sqlstore.Open(ctx, sqlstore.SQLite, conn.DSN)
	case config.DriverPostgres:
		return sqlstore.Open(ctx, sqlstore.Postgres, conn.DSN)
	case config.DriverBadger:
		return badgerstore.Open(conn.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", conn.Driver)
	}
}

// identified overrides the server identity a backend reports.
type identified struct {
	store.Backend
	identity string
}

func (b identified) Identity() string { return b.identity }

func openRemote(cfg config.Remote, methods map[[2]string]remote.Method, logger log.Logger) (domain.RemoteService, error) {
	switch cfg.Driver {
	case "http":
		timeout, err := cfg.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		if len(methods) > 0 {
			logger.Warn("local methods ignored by the http remote driver", log.Int("methods", len(methods)))
		}
		return remote.NewClient(cfg.BaseURL, timeout)
	default:
		reg := remote.NewRegistry()
		for k, fn := range methods {
			reg.Register(k[0], k[1], fn)
		}
		return reg, nil
	}
}

func (e *Env) openSink(ctx context.Context) (domain.ExceptionSink, error) {
	cfg := e.Config.Exceptions
	switch cfg.Driver {
	case "sql":
		b := e.backends[domain.ConnectionID(cfg.Connection)]
		ss, ok := b.(*sqlstore.Store)
		if !ok {
			return nil, &domain.ConfigurationError{Field: "exceptions.connection", Reason: fmt.Sprintf("connection %q is not a sql store", cfg.Connection), Err: config.ErrInvalidConfig}
		}
		return exceptionlog.NewSQLSink(ctx, ss.DB(), ss.Dialect(), cfg.Table)
	case "blob":
		bs, err := OpenBlob(ctx, e.Config.Blob)
		if err != nil {
			return nil, err
		}
		return exceptionlog.NewBlobSink(bs, cfg.Prefix), nil
	default:
		return exceptionlog.NewLogSink(e.Logger), nil
	}
}

// OpenBlob builds the blob store selected by cfg.
func OpenBlob(ctx context.Context, cfg config.Blob) (blob.Store, error) {
	switch blob.Driver(cfg.Driver) {
	case blob.DriverFilesystem:
		s, err := blobfs.New(cfg.Root)
		if err != nil {
			return nil, err
		}
		return s, nil
	case blob.DriverMemory:
		return blobmem.New(), nil
	case blob.DriverS3:
		s, err := blobs3.New(ctx, blobs3.Config{
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

func openMetrics(cfg config.Metrics, reg prometheus.Registerer) (persistence.MetricsRecorder, error) {
	switch cfg.Backend {
	case "prometheus":
		r, err := observability.NewPrometheusRecorder(cfg.Namespace, reg)
		if err != nil {
			return nil, fmt.Errorf("register %s metrics: %w", cfg.Namespace, err)
		}
		return r, nil
	case "expvar":
		name := cfg.Namespace
		if expvar.Get(name) != nil {
			name = ""
		}
		return observability.NewExpvarRecorder(name), nil
	default:
		return nil, nil
	}
}
