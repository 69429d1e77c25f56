package nats

import (
	"context"
	"log/slog"
	"time"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/output"
)

// DefaultFlushTimeout bounds the flush after each batch.
const DefaultFlushTimeout = 5 * time.Second

// Publisher is the part of natsclient.Client the sink uses.
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(subject string, data []byte) error
	Flush(ctx context.Context) error
	Close() error
}

// Config holds the sink settings.
type Config struct {
	// Subject may contain {server} and {event}.
	Subject      string
	FlushTimeout time.Duration
}

// Sink publishes each event as JSON on a subject derived from the event.
type Sink struct {
	subject      output.Template
	flushTimeout time.Duration
	client       Publisher
	logger       *slog.Logger
}

// NewSink creates a sink publishing through client. The sink owns the
// client and closes it on Close.
func NewSink(cfg Config, client Publisher, logger *slog.Logger) (*Sink, error) {
	if cfg.Subject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "NewSink", "subject is required")
	}
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "NewSink", "client is required")
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		subject:      output.NewTemplate(cfg.Subject, output.SubjectToken),
		flushTimeout: cfg.FlushTimeout,
		client:       client,
		logger:       logger.With("component", "nats-sink", "subject", cfg.Subject),
	}, nil
}

// Write publishes the batch and flushes. A batch counts as delivered only
// once the server has acknowledged the flush.
func (s *Sink) Write(ctx context.Context, events []*ami.Event) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	for _, ev := range events {
		data, err := ev.MarshalJSON()
		if err != nil {
			return errors.WrapInvalid(err, "Sink", "Write", "encode "+ev.String())
		}
		if err := s.client.Publish(s.subject.Expand(ev), data); err != nil {
			return err
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, s.flushTimeout)
	defer cancel()
	return s.client.Flush(flushCtx)
}

// Close closes the client.
func (s *Sink) Close() error {
	return s.client.Close()
}
