package config

import (
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/retry"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/security"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/processor/rule"
)

// Destination types
const (
	DestinationFile     = "file"
	DestinationDatabase = "database"
	DestinationNATS     = "nats"
	DestinationRedis    = "redis"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// File record formats
const (
	FormatAMILog = "ami-log" // server::epoch_millis::{"headers":{...},"rest":""}
	FormatJSONL  = "jsonl"
)

// Config is the complete gateway configuration
type Config struct {
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// TargetDirectory is the default directory of file destinations that
	// set neither path nor directory.
	TargetDirectory string `json:"target_directory,omitempty" yaml:"target_directory,omitempty"`

	Servers      []ServerConfig      `json:"servers" yaml:"servers"`
	Session      SessionConfig       `json:"session" yaml:"session"`
	Databases    []DatabaseProfile   `json:"databases,omitempty" yaml:"databases,omitempty"`
	Destinations []DestinationConfig `json:"destinations" yaml:"destinations"`
	Clauses      []rule.ClauseConfig `json:"clauses" yaml:"clauses"`
	Metrics      MetricsConfig       `json:"metrics" yaml:"metrics"`
	Security     security.Config     `json:"security,omitempty" yaml:"security,omitempty"`
}

// ServerConfig identifies one AMI server. Values are comparable so a reload
// can tell whether a server changed.
type ServerConfig struct {
	Name     string `json:"name" yaml:"name"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Secret   string `json:"secret" yaml:"secret"`
	TLS      bool   `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SessionConfig holds the timing parameters shared by every session
type SessionConfig struct {
	ConnectTimeout    Duration      `json:"connect_timeout" yaml:"connect_timeout"`
	LoginTimeout      Duration      `json:"login_timeout" yaml:"login_timeout"`
	IdleTimeout       Duration      `json:"idle_timeout" yaml:"idle_timeout"`
	KeepaliveInterval Duration      `json:"keepalive_interval" yaml:"keepalive_interval"`
	TransportBackoff  BackoffConfig `json:"transport_backoff" yaml:"transport_backoff"`
	AuthBackoff       BackoffConfig `json:"auth_backoff" yaml:"auth_backoff"`
}

// BackoffConfig configures a reconnect delay policy
type BackoffConfig struct {
	Initial    Duration `json:"initial" yaml:"initial"`
	Max        Duration `json:"max" yaml:"max"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier"`
	Jitter     float64  `json:"jitter" yaml:"jitter"`
	ResetAfter Duration `json:"reset_after" yaml:"reset_after"`
}

// Policy converts the configuration into a retry.Policy.
func (b BackoffConfig) Policy() retry.Policy {
	return retry.Policy{
		Initial:    b.Initial.Std(),
		Max:        b.Max.Std(),
		Multiplier: b.Multiplier,
		Jitter:     b.Jitter,
		ResetAfter: b.ResetAfter.Std(),
	}
}

// DatabaseProfile holds the connection parameters shared by database
// destinations that reference its ID.
type DatabaseProfile struct {
	ID       string `json:"id" yaml:"id"`
	Driver   string `json:"driver" yaml:"driver"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	User     string `json:"user,omitempty" yaml:"user,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
	// DSN replaces the individual fields when set.
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	MaxConns int    `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`
}

// DestinationConfig declares one delivery target and its worker
type DestinationConfig struct {
	ID      string `json:"id" yaml:"id"`
	Type    string `json:"type" yaml:"type"`
	Project string `json:"project,omitempty" yaml:"project,omitempty"`

	QueueSize     int         `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	BatchSize     int         `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	FlushInterval Duration    `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
	Retry         RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`

	File     *FileConfig     `json:"file,omitempty" yaml:"file,omitempty"`
	Database *DatabaseConfig `json:"database,omitempty" yaml:"database,omitempty"`
	NATS     *NATSConfig     `json:"nats,omitempty" yaml:"nats,omitempty"`
	Redis    *RedisConfig    `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RetryConfig bounds the attempts made for one batch
type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Config converts the configuration into a retry.Config.
func (r RetryConfig) Config() retry.Config {
	cfg := retry.DefaultConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialDelay > 0 {
		cfg.InitialDelay = r.InitialDelay.Std()
	}
	if r.MaxDelay > 0 {
		cfg.MaxDelay = r.MaxDelay.Std()
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return cfg
}

// FileConfig configures a file destination. Path selects a single file;
// Directory selects daily files named events_YYYY-MM-DD.log.
type FileConfig struct {
	Path               string `json:"path,omitempty" yaml:"path,omitempty"`
	Directory          string `json:"directory,omitempty" yaml:"directory,omitempty"`
	DirectoryPerServer bool   `json:"directory_per_server,omitempty" yaml:"directory_per_server,omitempty"`
	Format             string `json:"format,omitempty" yaml:"format,omitempty"`
	CompressRotated    bool   `json:"compress_rotated,omitempty" yaml:"compress_rotated,omitempty"`
}

// DatabaseConfig configures a database destination
type DatabaseConfig struct {
	Profile string `json:"profile" yaml:"profile"`
	Table   string `json:"table" yaml:"table"`
	// Columns maps event fields to table columns. When empty, all fields are
	// stored as JSON in FieldsColumn.
	Columns      map[string]string `json:"columns,omitempty" yaml:"columns,omitempty"`
	FieldsColumn string            `json:"fields_column,omitempty" yaml:"fields_column,omitempty"`
}

// NATSConfig configures a NATS publishing destination
type NATSConfig struct {
	URLs     []string `json:"urls" yaml:"urls"`
	Subject  string   `json:"subject" yaml:"subject"` // may use {server} and {event}
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token    string   `json:"token,omitempty" yaml:"token,omitempty"`
	TLS      bool     `json:"tls,omitempty" yaml:"tls,omitempty"` // uses security.tls.client

	FlushTimeout  Duration `json:"flush_timeout,omitempty" yaml:"flush_timeout,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
}

// RedisConfig configures a Redis stream destination
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	TLS      bool   `json:"tls,omitempty" yaml:"tls,omitempty"`
	Stream   string `json:"stream" yaml:"stream"` // may use {server} and {event}
	MaxLen   int64  `json:"max_len,omitempty" yaml:"max_len,omitempty"`
}

// MetricsConfig configures the metrics and health endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Default values
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultLoginTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 90 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultQueueSize         = 10000
	DefaultBatchSize         = 100
	DefaultFlushInterval     = time.Second
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
)

// Defaults returns the configuration every layer is merged onto.
func Defaults() *Config {
	transport := retry.DefaultTransportPolicy()
	auth := retry.DefaultAuthPolicy()
	return &Config{
		Session: SessionConfig{
			ConnectTimeout:    Duration(DefaultConnectTimeout),
			LoginTimeout:      Duration(DefaultLoginTimeout),
			IdleTimeout:       Duration(DefaultIdleTimeout),
			KeepaliveInterval: Duration(DefaultKeepaliveInterval),
			TransportBackoff:  backoffFromPolicy(transport),
			AuthBackoff:       backoffFromPolicy(auth),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    DefaultMetricsPort,
			Path:    DefaultMetricsPath,
		},
	}
}

func backoffFromPolicy(p retry.Policy) BackoffConfig {
	return BackoffConfig{
		Initial:    Duration(p.Initial),
		Max:        Duration(p.Max),
		Multiplier: p.Multiplier,
		Jitter:     p.Jitter,
		ResetAfter: Duration(p.ResetAfter),
	}
}

// ApplyDestinationDefaults fills per-destination worker settings left at
// zero. It is called by the Loader and may be called on hand-built configs.
func (c *Config) ApplyDestinationDefaults() {
	for i := range c.Destinations {
		d := &c.Destinations[i]
		if d.QueueSize <= 0 {
			d.QueueSize = DefaultQueueSize
		}
		if d.BatchSize <= 0 {
			if d.Type == DestinationFile {
				d.BatchSize = 1
			} else {
				d.BatchSize = DefaultBatchSize
			}
		}
		if d.FlushInterval == 0 && d.Type != DestinationFile {
			d.FlushInterval = Duration(DefaultFlushInterval)
		}
		if d.File != nil {
			if d.File.Format == "" {
				d.File.Format = FormatAMILog
			}
			if d.File.Path == "" && d.File.Directory == "" {
				d.File.Directory = c.TargetDirectory
			}
		}
	}
}

// DestinationIDs returns destination identifiers in declaration order.
func (c *Config) DestinationIDs() []string {
	ids := make([]string, len(c.Destinations))
	for i, d := range c.Destinations {
		ids[i] = d.ID
	}
	return ids
}

// Database returns the profile with the given ID.
func (c *Config) Database(id string) (DatabaseProfile, bool) {
	for _, p := range c.Databases {
		if p.ID == id {
			return p, true
		}
	}
	return DatabaseProfile{}, false
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for i := range masked.Servers {
		masked.Servers[i].Secret = mask(masked.Servers[i].Secret)
	}
	for i := range masked.Databases {
		masked.Databases[i].Password = mask(masked.Databases[i].Password)
		masked.Databases[i].DSN = mask(masked.Databases[i].DSN)
	}
	for i := range masked.Destinations {
		if n := masked.Destinations[i].NATS; n != nil {
			n.Password = mask(n.Password)
			n.Token = mask(n.Token)
		}
		if r := masked.Destinations[i].Redis; r != nil {
			r.Password = mask(r.Password)
		}
	}

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
