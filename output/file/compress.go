package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/metric"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/worker"
)

// CompressorDeps holds the Compressor's optional collaborators.
type CompressorDeps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Compressor gzips rotated files in the background, off the delivery path.
// One Compressor is shared by every file sink.
type Compressor struct {
	pool   *worker.Pool[string]
	logger *slog.Logger
}

// NewCompressor creates a compressor with a single worker.
func NewCompressor(deps CompressorDeps) (*Compressor, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Compressor{logger: logger.With("component", "file-compressor")}

	pool, err := worker.NewPool("compress", 1, 64, c.compress, worker.WithMetricsRegistry[string](deps.MetricsRegistry))
	if err != nil {
		return nil, errors.WrapFatal(err, "Compressor", "NewCompressor", "create pool")
	}
	c.pool = pool
	return c, nil
}

// Start launches the compression worker.
func (c *Compressor) Start(ctx context.Context) error { return c.pool.Start(ctx) }

// Stop waits for queued files.
func (c *Compressor) Stop(timeout time.Duration) error { return c.pool.Stop(timeout) }

// Submit queues path for compression.
func (c *Compressor) Submit(path string) error { return c.pool.Submit(path) }

// Stats returns the queue statistics.
func (c *Compressor) Stats() worker.PoolStats { return c.pool.Stats() }

// compress writes path.gz next to path and removes path. A failure leaves
// the original file in place.
func (c *Compressor) compress(_ context.Context, path string) error {
	if err := gzipFile(path); err != nil {
		c.logger.Error("Failed to compress rotated file", "path", path, "error", err)
		return err
	}
	c.logger.Info("Compressed rotated file", "path", path+".gz")
	return nil
}

func gzipFile(path string) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := path + ".gz.tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			dst.Close()
			os.Remove(tmp)
		}
	}()

	zw, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		return err
	}
	if _, err = io.Copy(zw, src); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return err
	}
	if err = dst.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, path+".gz"); err != nil {
		return err
	}
	return os.Remove(path)
}
