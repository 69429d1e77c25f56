package redis

import (
	"context"
	"crypto/tls"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/output"
)

// Config holds the sink settings.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	// TLS enables TLS when set.
	TLS *tls.Config
	// Stream may contain {server} and {event}.
	Stream string
	// MaxLen trims each stream to about this many entries. Zero disables
	// trimming.
	MaxLen int64
}

// Appender adds stream entries atomically.
type Appender interface {
	Append(ctx context.Context, entries []*redis.XAddArgs) error
	Close() error
}

// Sink appends each event to a Redis stream.
type Sink struct {
	stream   output.Template
	maxLen   int64
	appender Appender
	logger   *slog.Logger
}

// NewSink creates a sink over appender.
func NewSink(cfg Config, appender Appender, logger *slog.Logger) (*Sink, error) {
	if cfg.Stream == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "NewSink", "stream is required")
	}
	if cfg.MaxLen < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Sink", "NewSink", "max_len must not be negative")
	}
	if appender == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "NewSink", "appender is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		stream:   output.NewTemplate(cfg.Stream, nil),
		maxLen:   cfg.MaxLen,
		appender: appender,
		logger:   logger.With("component", "redis-sink", "stream", cfg.Stream),
	}, nil
}

// Write appends the batch in one transaction.
func (s *Sink) Write(ctx context.Context, events []*ami.Event) error {
	entries := make([]*redis.XAddArgs, 0, len(events))
	for _, ev := range events {
		entry, err := s.entry(ev)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	return s.appender.Append(ctx, entries)
}

func (s *Sink) entry(ev *ami.Event) (*redis.XAddArgs, error) {
	fields, err := ev.FieldsJSON()
	if err != nil {
		return nil, errors.WrapInvalid(err, "Sink", "Write", "encode "+ev.String())
	}
	return &redis.XAddArgs{
		Stream: s.stream.Expand(ev),
		MaxLen: s.maxLen,
		Approx: s.maxLen > 0,
		Values: []any{
			"server", ev.Server(),
			"session_id", ev.SessionID(),
			"sequence", strconv.FormatUint(ev.Sequence(), 10),
			"received_at", ev.ReceivedAt().UTC().Format(time.RFC3339Nano),
			"event", ev.Name(),
			"fields", string(fields),
		},
	}, nil
}

// Close closes the appender.
func (s *Sink) Close() error {
	return s.appender.Close()
}

// Client appends through a go-redis client using MULTI/EXEC.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a client. Connections are made on first use.
func NewClient(cfg Config) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Username:  cfg.Username,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})}
}

// Append issues one XADD per entry inside a transaction pipeline.
func (c *Client) Append(ctx context.Context, entries []*redis.XAddArgs) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.XAdd(ctx, e)
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Append", "xadd batch")
	}
	return nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
