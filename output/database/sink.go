package database

import (
	"context"
	"log/slog"
	"sort"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
)

// Fixed columns present in every row
var fixedColumns = []string{"server", "session_id", "sequence", "received_at", "event"}

// Config maps events onto a table.
type Config struct {
	Table string
	// Columns maps event field names to column names. Absent fields are
	// written as NULL.
	Columns map[string]string
	// FieldsColumn, when set, receives every field as a JSON object.
	FieldsColumn string
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.Table == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "table is required")
	}
	if len(c.Columns) == 0 && c.FieldsColumn == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "columns or fields_column is required")
	}
	seen := make(map[string]bool, len(fixedColumns)+len(c.Columns)+1)
	for _, col := range fixedColumns {
		seen[col] = true
	}
	for field, col := range c.Columns {
		if field == "" || col == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "empty field or column name")
		}
		if seen[col] {
			return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "column %q mapped twice", col)
		}
		seen[col] = true
	}
	if c.FieldsColumn != "" && seen[c.FieldsColumn] {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "column %q mapped twice", c.FieldsColumn)
	}
	return nil
}

type mapping struct {
	field  string
	column string
}

// Sink writes each batch as one transaction through a Store.
type Sink struct {
	table        string
	columns      []string
	mappings     []mapping
	fieldsColumn string
	store        Store
	release      func() error
	logger       *slog.Logger
}

// NewSink creates a sink over store. release is called on Close and may be
// nil when the sink owns nothing.
func NewSink(cfg Config, store Store, release func() error, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Sink", "NewSink", "store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		table:        cfg.Table,
		fieldsColumn: cfg.FieldsColumn,
		store:        store,
		release:      release,
		logger:       logger.With("component", "database-sink", "table", cfg.Table),
	}
	for field, column := range cfg.Columns {
		s.mappings = append(s.mappings, mapping{field: field, column: column})
	}
	sort.Slice(s.mappings, func(i, j int) bool { return s.mappings[i].column < s.mappings[j].column })

	s.columns = append(s.columns, fixedColumns...)
	for _, m := range s.mappings {
		s.columns = append(s.columns, m.column)
	}
	if s.fieldsColumn != "" {
		s.columns = append(s.columns, s.fieldsColumn)
	}
	return s, nil
}

// Columns returns the column list in insert order.
func (s *Sink) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// Write inserts the batch.
func (s *Sink) Write(ctx context.Context, events []*ami.Event) error {
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		row, err := s.row(ev)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.store.InsertBatch(ctx, s.table, s.columns, rows)
}

func (s *Sink) row(ev *ami.Event) ([]any, error) {
	row := make([]any, 0, len(s.columns))
	row = append(row, ev.Server(), ev.SessionID(), int64(ev.Sequence()), ev.ReceivedAt().UTC(), ev.Name())
	for _, m := range s.mappings {
		if v, ok := ev.Get(m.field); ok {
			row = append(row, v)
		} else {
			row = append(row, nil)
		}
	}
	if s.fieldsColumn != "" {
		data, err := ev.FieldsJSON()
		if err != nil {
			return nil, errors.WrapInvalid(err, "Sink", "Write", "encode fields of "+ev.String())
		}
		row = append(row, string(data))
	}
	return row, nil
}

// Close releases the store.
func (s *Sink) Close() error {
	if s.release == nil {
		return nil
	}
	return s.release()
}
