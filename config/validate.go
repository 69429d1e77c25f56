package config

import (
	stderrors "errors"
	"strings"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/processor/rule"
)

// Validate checks the configuration as a whole, including compiling the
// clauses against the declared destinations. All problems found are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", format, args...))
	}

	names := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		if strings.TrimSpace(s.Name) == "" {
			add("servers[%d]: name is required", i)
			continue
		}
		if _, dup := names[s.Name]; dup {
			add("server %q: duplicate name", s.Name)
		}
		names[s.Name] = struct{}{}
		if s.Host == "" {
			add("server %q: host is required", s.Name)
		}
		if s.Port <= 0 || s.Port > 65535 {
			add("server %q: invalid port %d", s.Name, s.Port)
		}
		if s.Username == "" {
			add("server %q: username is required", s.Name)
		}
	}

	c.validateSession(add)

	profiles := make(map[string]struct{}, len(c.Databases))
	for i, p := range c.Databases {
		if p.ID == "" {
			add("databases[%d]: id is required", i)
			continue
		}
		if _, dup := profiles[p.ID]; dup {
			add("database %q: duplicate id", p.ID)
		}
		profiles[p.ID] = struct{}{}
		if p.Driver != DriverPostgres && p.Driver != DriverMySQL {
			add("database %q: unsupported driver %q", p.ID, p.Driver)
		}
		if p.DSN == "" && p.Host == "" {
			add("database %q: host or dsn is required", p.ID)
		}
	}

	ids := make(map[string]struct{}, len(c.Destinations))
	for i, d := range c.Destinations {
		if d.ID == "" {
			add("destinations[%d]: id is required", i)
			continue
		}
		if _, dup := ids[d.ID]; dup {
			add("destination %q: duplicate id", d.ID)
		}
		ids[d.ID] = struct{}{}
		if err := d.validate(profiles); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := rule.Compile(c.Clauses, c.DestinationIDs()); err != nil {
		errs = append(errs, err)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		add("metrics: invalid port %d", c.Metrics.Port)
	}

	return stderrors.Join(errs...)
}

func (c *Config) validateSession(add func(string, ...any)) {
	s := c.Session
	for name, d := range map[string]Duration{
		"connect_timeout":    s.ConnectTimeout,
		"login_timeout":      s.LoginTimeout,
		"idle_timeout":       s.IdleTimeout,
		"keepalive_interval": s.KeepaliveInterval,
	} {
		if d <= 0 {
			add("session.%s must be positive", name)
		}
	}
	if s.KeepaliveInterval > 0 && s.IdleTimeout > 0 && s.KeepaliveInterval >= s.IdleTimeout {
		add("session.keepalive_interval (%s) must be shorter than idle_timeout (%s)", s.KeepaliveInterval, s.IdleTimeout)
	}
	for name, b := range map[string]BackoffConfig{"transport_backoff": s.TransportBackoff, "auth_backoff": s.AuthBackoff} {
		if b.Initial <= 0 {
			add("session.%s.initial must be positive", name)
		}
		if b.Max < b.Initial {
			add("session.%s.max must not be below initial", name)
		}
		if b.Multiplier < 1 {
			add("session.%s.multiplier must be at least 1", name)
		}
		if b.Jitter < 0 || b.Jitter > 1 {
			add("session.%s.jitter must be within [0, 1]", name)
		}
	}
}

func (d DestinationConfig) validate(profiles map[string]struct{}) error {
	fail := func(format string, args ...any) error {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate",
			"destination %q: "+format, append([]any{d.ID}, args...)...)
	}

	if d.QueueSize < 0 || d.BatchSize < 0 || d.FlushInterval < 0 {
		return fail("queue_size, batch_size and flush_interval must not be negative")
	}

	switch d.Type {
	case DestinationFile:
		if d.File == nil {
			return fail("file section is required")
		}
		if d.File.Path == "" && d.File.Directory == "" {
			return fail("file.path or file.directory is required")
		}
		if d.File.Path != "" && d.File.Directory != "" {
			return fail("file.path and file.directory are exclusive")
		}
		if d.File.Format != "" && d.File.Format != FormatAMILog && d.File.Format != FormatJSONL {
			return fail("unsupported file.format %q", d.File.Format)
		}
	case DestinationDatabase:
		if d.Database == nil {
			return fail("database section is required")
		}
		if _, ok := profiles[d.Database.Profile]; !ok {
			return fail("unknown database profile %q", d.Database.Profile)
		}
		if d.Database.Table == "" {
			return fail("database.table is required")
		}
		if len(d.Database.Columns) == 0 && d.Database.FieldsColumn == "" {
			return fail("database.columns or database.fields_column is required")
		}
	case DestinationNATS:
		if d.NATS == nil || len(d.NATS.URLs) == 0 {
			return fail("nats.urls is required")
		}
		if d.NATS.Subject == "" {
			return fail("nats.subject is required")
		}
	case DestinationRedis:
		if d.Redis == nil || d.Redis.Addr == "" {
			return fail("redis.addr is required")
		}
		if d.Redis.Stream == "" {
			return fail("redis.stream is required")
		}
	default:
		return fail("unsupported type %q", d.Type)
	}
	return nil
}
