// Package config loads the runtime configuration (TOML) and the mapping
// document (YAML).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"persistcore/pkg/domain"
	"sort"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ErrInvalidConfig marks a configuration value that failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Connection drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Config is the runtime configuration.
type Config struct {
	MappingFile string `toml:"mapping_file"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	// Host is stamped on exception records; empty means os.Hostname.
	Host string `toml:"host"`

	Connections map[string]Connection `toml:"connections"`
	Remote      Remote                `toml:"remote"`
	Exceptions  Exceptions            `toml:"exceptions"`
	Blob        Blob                  `toml:"blob"`
	Metrics     Metrics               `toml:"metrics"`
}

// Connection configures one store connection id.
type Connection struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	// Identity overrides the server identity the driver derives. Connections
	// with equal identities share local transactions.
	Identity string `toml:"identity"`
}

type Remote struct {
	Driver  string `toml:"driver"` // local|http
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout"`
}

// TimeoutDuration parses Timeout; empty means no timeout.
func (r Remote) TimeoutDuration() (time.Duration, error) {
	if r.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(r.Timeout)
}

type Exceptions struct {
	Driver     string `toml:"driver"` // log|sql|blob
	Connection string `toml:"connection"`
	Table      string `toml:"table"`
	Prefix     string `toml:"prefix"`
}

type Blob struct {
	Driver    string `toml:"driver"` // fs|memory|s3
	Root      string `toml:"root"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	PathStyle bool   `toml:"path_style"`
}

type Metrics struct {
	Backend   string `toml:"backend"` // prometheus|expvar|none
	Namespace string `toml:"namespace"`
}

// DefaultConfig returns a single-process setup: one in-memory connection
// named "main", local remote services, exceptions to the log, no metrics.
func DefaultConfig() Config {
	return Config{
		MappingFile: "mapping.yaml",
		LogLevel:    "info",
		LogFormat:   "console",
		Connections: map[string]Connection{"main": {Driver: DriverMemory}},
		Remote:      Remote{Driver: "local", Timeout: "30s"},
		Exceptions:  Exceptions{Driver: "log", Table: "application_exception", Prefix: "exceptions/"},
		Blob:        Blob{Driver: "memory", Root: "./blobdata", Region: "us-east-1"},
		Metrics:     Metrics{Backend: "none", Namespace: "persistcore"},
	}
}

// Load reads path over DefaultConfig, overlays the environment and
// validates. An empty path skips the file. A relative mapping_file is
// resolved against the config file's directory.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if cfg.MappingFile != "" && !filepath.IsAbs(cfg.MappingFile) {
			cfg.MappingFile = filepath.Join(filepath.Dir(path), cfg.MappingFile)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode unmarshals TOML into cfg, rejecting unknown keys. Tables present in
// the document replace the corresponding defaults key by key.
func Decode(b []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var file Config
	if err := dec.Decode(&file); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strict.String())
		}
		return err
	}
	merge(cfg, file)
	return nil
}

func merge(dst *Config, src Config) {
	set := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	set(&dst.MappingFile, src.MappingFile)
	set(&dst.LogLevel, src.LogLevel)
	set(&dst.LogFormat, src.LogFormat)
	set(&dst.Host, src.Host)
	if len(src.Connections) > 0 {
		dst.Connections = src.Connections
	}
	set(&dst.Remote.Driver, src.Remote.Driver)
	set(&dst.Remote.BaseURL, src.Remote.BaseURL)
	set(&dst.Remote.Timeout, src.Remote.Timeout)
	set(&dst.Exceptions.Driver, src.Exceptions.Driver)
	set(&dst.Exceptions.Connection, src.Exceptions.Connection)
	set(&dst.Exceptions.Table, src.Exceptions.Table)
	set(&dst.Exceptions.Prefix, src.Exceptions.Prefix)
	set(&dst.Blob.Driver, src.Blob.Driver)
	set(&dst.Blob.Root, src.Blob.Root)
	set(&dst.Blob.Bucket, src.Blob.Bucket)
	set(&dst.Blob.Region, src.Blob.Region)
	set(&dst.Blob.Endpoint, src.Blob.Endpoint)
	dst.Blob.PathStyle = dst.Blob.PathStyle || src.Blob.PathStyle
	set(&dst.Metrics.Backend, src.Metrics.Backend)
	set(&dst.Metrics.Namespace, src.Metrics.Namespace)
}

// ApplyEnv overlays PERSISTCORE_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("PERSISTCORE_MAPPING_FILE", &c.MappingFile)
	str("PERSISTCORE_LOG_LEVEL", &c.LogLevel)
	str("PERSISTCORE_LOG_FORMAT", &c.LogFormat)
	str("PERSISTCORE_BLOB_DRIVER", &c.Blob.Driver)
	str("PERSISTCORE_BLOB_S3_BUCKET", &c.Blob.Bucket)
	str("PERSISTCORE_BLOB_S3_REGION", &c.Blob.Region)
	str("PERSISTCORE_BLOB_S3_ENDPOINT", &c.Blob.Endpoint)
	if v, ok := lookup("PERSISTCORE_BLOB_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return invalid("PERSISTCORE_BLOB_S3_PATH_STYLE", fmt.Sprintf("not a boolean: %q", v))
		}
		c.Blob.PathStyle = b
	}
	return nil
}

// Validate checks every setting and reports all problems together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field, reason string) {
		if !ok {
			errs = append(errs, invalid(field, reason))
		}
	}
	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, invalid(field, fmt.Sprintf("%q is not one of %s", value, strings.Join(allowed, ", "))))
	}

	oneOf("log_level", strings.ToLower(c.LogLevel), "debug", "info", "warn", "error")
	oneOf("log_format", strings.ToLower(c.LogFormat), "console", "json")
	for _, id := range c.ConnectionIDs() {
		conn := c.Connections[id]
		oneOf("connections."+id+".driver", conn.Driver, DriverMemory, DriverSQLite, DriverPostgres, DriverBadger)
	}

	oneOf("remote.driver", c.Remote.Driver, "local", "http")
	if c.Remote.Driver == "http" {
		check(c.Remote.BaseURL != "", "remote.base_url", "required for the http driver")
	}
	if d, err := c.Remote.TimeoutDuration(); err != nil || d < 0 {
		errs = append(errs, invalid("remote.timeout", fmt.Sprintf("not a non-negative duration: %q", c.Remote.Timeout)))
	}

	oneOf("exceptions.driver", c.Exceptions.Driver, "log", "sql", "blob")
	if c.Exceptions.Driver == "sql" {
		conn, ok := c.Connections[c.Exceptions.Connection]
		check(ok, "exceptions.connection", fmt.Sprintf("unknown connection %q", c.Exceptions.Connection))
		if ok {
			check(conn.Driver == DriverSQLite || conn.Driver == DriverPostgres, "exceptions.connection",
				fmt.Sprintf("connection %q must use the sqlite or postgres driver", c.Exceptions.Connection))
		}
	}

	oneOf("blob.driver", c.Blob.Driver, "fs", "memory", "s3")
	if c.Blob.Driver == "s3" {
		check(c.Blob.Bucket != "", "blob.bucket", "required for the s3 driver")
	}
	oneOf("metrics.backend", c.Metrics.Backend, "prometheus", "expvar", "none")
	return errors.Join(errs...)
}

// ConnectionIDs returns the configured connection ids, sorted.
func (c *Config) ConnectionIDs() []string {
	ids := make([]string, 0, len(c.Connections))
	for id := range c.Connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func invalid(field, reason string) error {
	return &domain.ConfigurationError{Field: field, Reason: reason, Err: ErrInvalidConfig}
}
