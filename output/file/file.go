package file

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
)

// Record formats
const (
	FormatAMILog = "ami-log"
	FormatJSONL  = "jsonl"
)

// Config holds the file sink settings. Exactly one of Path and Directory
// is set.
type Config struct {
	// Path is a single append-only file. No rotation.
	Path string
	// Directory receives daily files named events_YYYY-MM-DD.log.
	Directory string
	// DirectoryPerServer writes each server's events under Directory/<server>.
	DirectoryPerServer bool
	Format             string
	// CompressRotated gzips a daily file once the next day's file is opened.
	CompressRotated bool
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if (c.Path == "") == (c.Directory == "") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "exactly one of path or directory is required")
	}
	switch c.Format {
	case "", FormatAMILog, FormatJSONL:
	default:
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "unknown format %q", c.Format)
	}
	return nil
}

// Deps holds the Sink's optional collaborators.
type Deps struct {
	Logger *slog.Logger
	// Compressor receives rotated files when CompressRotated is set.
	Compressor *Compressor
	// Now overrides the clock used for daily file names.
	Now func() time.Time
}

type openFile struct {
	path string
	day  string
	f    *os.File
}

// Sink appends events to local files, one record per event.
type Sink struct {
	cfg        Config
	logger     *slog.Logger
	compressor *Compressor
	now        func() time.Time

	mu     sync.Mutex
	files  map[string]*openFile
	closed bool
}

// NewSink creates a file sink. Files are opened on first write.
func NewSink(cfg Config, deps Deps) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Format == "" {
		cfg.Format = FormatAMILog
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Sink{
		cfg:        cfg,
		logger:     logger.With("component", "file-sink"),
		compressor: deps.Compressor,
		now:        now,
		files:      make(map[string]*openFile),
	}, nil
}

// Write encodes the batch and appends it with one write per target file.
func (s *Sink) Write(_ context.Context, events []*ami.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Sink", "Write", "write to closed file sink")
	}

	day := s.now().UTC().Format(time.DateOnly)
	var (
		order   []string
		batches = make(map[string]*bytes.Buffer)
	)
	for _, ev := range events {
		key := s.target(ev)
		buf, ok := batches[key]
		if !ok {
			buf = &bytes.Buffer{}
			batches[key] = buf
			order = append(order, key)
		}
		if err := encodeRecord(buf, s.cfg.Format, ev); err != nil {
			return errors.WrapInvalid(err, "Sink", "Write", "encode "+ev.String())
		}
	}

	// All targets are opened first. A failed append truncates the files
	// already written back to their previous size: a batch lands whole or
	// not at all.
	targets := make([]*openFile, len(order))
	for i, key := range order {
		of, err := s.file(key, day)
		if err != nil {
			return err
		}
		targets[i] = of
	}

	sizes := make([]int64, 0, len(targets))
	for i, of := range targets {
		info, err := of.f.Stat()
		if err != nil {
			s.rollback(targets[:i], sizes)
			return errors.WrapTransient(err, "Sink", "Write", "stat "+of.path)
		}
		sizes = append(sizes, info.Size())
		if _, err := of.f.Write(batches[order[i]].Bytes()); err != nil {
			s.rollback(targets[:i+1], sizes)
			return errors.WrapTransient(err, "Sink", "Write", "append to "+of.path)
		}
	}
	return nil
}

// rollback truncates each file back to the size it had before the batch.
func (s *Sink) rollback(files []*openFile, sizes []int64) {
	for i, of := range files {
		if err := of.f.Truncate(sizes[i]); err != nil {
			s.logger.Error("Failed to roll back partial batch", "path", of.path, "error", err)
		}
	}
}

// target returns the directory (daily mode) or path (single file mode) the
// event is written to.
func (s *Sink) target(ev *ami.Event) string {
	if s.cfg.Path != "" {
		return s.cfg.Path
	}
	if s.cfg.DirectoryPerServer {
		return filepath.Join(s.cfg.Directory, safeName(ev.Server()))
	}
	return s.cfg.Directory
}

// file returns the open handle for key, rotating daily files.
func (s *Sink) file(key, day string) (*openFile, error) {
	of := s.files[key]
	if of != nil && (s.cfg.Path != "" || of.day == day) {
		return of, nil
	}
	if of != nil {
		s.rotate(key, of)
	}

	path := key
	if s.cfg.Path == "" {
		path = filepath.Join(key, DailyFileName(day))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WrapTransient(err, "Sink", "Write", "create directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapTransient(err, "Sink", "Write", "open "+path)
	}

	of = &openFile{path: path, day: day, f: f}
	s.files[key] = of
	s.logger.Debug("Opened output file", "path", path)
	return of, nil
}

func (s *Sink) rotate(key string, of *openFile) {
	delete(s.files, key)
	if err := of.f.Close(); err != nil {
		s.logger.Warn("Failed to close rotated file", "path", of.path, "error", err)
		return
	}
	s.logger.Info("Rotated output file", "path", of.path)
	if !s.cfg.CompressRotated || s.compressor == nil {
		return
	}
	if err := s.compressor.Submit(of.path); err != nil {
		s.logger.Warn("Rotated file left uncompressed", "path", of.path, "error", err)
	}
}

// Close closes every open file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for key, of := range s.files {
		if err := of.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", of.path, err))
		}
		delete(s.files, key)
	}
	return stderrors.Join(errs...)
}

// DailyFileName returns the file name used for day (YYYY-MM-DD).
func DailyFileName(day string) string {
	return "events_" + day + ".log"
}

func encodeRecord(buf *bytes.Buffer, format string, ev *ami.Event) error {
	switch format {
	case FormatJSONL:
		data, err := ev.MarshalJSON()
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	default:
		data, err := ev.FieldsJSON()
		if err != nil {
			return err
		}
		buf.WriteString(ev.Server())
		buf.WriteString("::")
		buf.WriteString(strconv.FormatInt(ev.ReceivedAt().UnixMilli(), 10))
		buf.WriteString("::")
		buf.WriteString(`{"headers":`)
		buf.Write(data)
		buf.WriteString(`,"rest":""}`)
		buf.WriteString("\r\n")
	}
	return nil
}

// safeName keeps a server name from escaping the output directory.
func safeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator || r == 0 {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
