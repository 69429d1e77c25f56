package gateway

import (
	"crypto/tls"
	"reflect"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/dispatch"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/natsclient"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/output/database"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/output/file"
	natssink "github.com/Tosindo/Asterisk-AMI-Event-Logger/output/nats"
	redissink "github.com/Tosindo/Asterisk-AMI-Event-Logger/output/redis"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/pkg/tlsutil"
)

// SinkFactory builds the sink for one destination. cfg is the
// configuration the destination belongs to.
type SinkFactory func(cfg *config.Config, dest config.DestinationConfig) (dispatch.Sink, error)

// destination is a running worker and the settings it was built from.
type destination struct {
	spec   destinationSpec
	worker *dispatch.Worker
}

// destinationSpec captures everything a worker depends on, so a reload can
// tell whether it must be rebuilt.
type destinationSpec struct {
	Dest    config.DestinationConfig
	Profile *config.DatabaseProfile
}

func specFor(cfg *config.Config, dest config.DestinationConfig) destinationSpec {
	spec := destinationSpec{Dest: dest}
	if dest.Type == config.DestinationDatabase && dest.Database != nil {
		if p, ok := cfg.Database(dest.Database.Profile); ok {
			spec.Profile = &p
		}
	}
	return spec
}

func (s destinationSpec) equal(other destinationSpec) bool {
	return reflect.DeepEqual(s, other)
}

// buildSink is the SinkFactory used when Deps.SinkFactory is nil. No sink
// connects here; connections are made on first write.
func (g *Gateway) buildSink(cfg *config.Config, dest config.DestinationConfig) (dispatch.Sink, error) {
	logger := g.logger.With("destination", dest.ID)

	switch dest.Type {
	case config.DestinationFile:
		return file.NewSink(file.Config{
			Path:               dest.File.Path,
			Directory:          dest.File.Directory,
			DirectoryPerServer: dest.File.DirectoryPerServer,
			Format:             dest.File.Format,
			CompressRotated:    dest.File.CompressRotated,
		}, file.Deps{Logger: logger, Compressor: g.compressor})

	case config.DestinationDatabase:
		profile, ok := cfg.Database(dest.Database.Profile)
		if !ok {
			return nil, errors.Invalidf(errors.ErrInvalidConfig, "Gateway", "buildSink",
				"destination %q: unknown database profile %q", dest.ID, dest.Database.Profile)
		}
		store := g.stores.Lazy(profile)
		return database.NewSink(database.Config{
			Table:        dest.Database.Table,
			Columns:      dest.Database.Columns,
			FieldsColumn: dest.Database.FieldsColumn,
		}, store, store.Close, logger)

	case config.DestinationNATS:
		tlsConfig, err := clientTLS(cfg, dest.NATS.TLS)
		if err != nil {
			return nil, err
		}
		client, err := natsclient.NewClient(dest.NATS.URLs,
			natsclient.WithTLSConfig(tlsConfig),
			natsclient.WithLogger(logger),
			natsclient.WithCredentials(dest.NATS.Username, dest.NATS.Password),
			natsclient.WithToken(dest.NATS.Token),
			natsclient.WithReconnectWait(dest.NATS.ReconnectWait.Std()),
			natsclient.WithClientName("amilogger-"+dest.ID))
		if err != nil {
			return nil, err
		}
		return natssink.NewSink(natssink.Config{
			Subject:      dest.NATS.Subject,
			FlushTimeout: dest.NATS.FlushTimeout.Std(),
		}, client, logger)

	case config.DestinationRedis:
		tlsConfig, err := clientTLS(cfg, dest.Redis.TLS)
		if err != nil {
			return nil, err
		}
		rcfg := redissink.Config{
			Addr:     dest.Redis.Addr,
			Username: dest.Redis.Username,
			Password: dest.Redis.Password,
			DB:       dest.Redis.DB,
			TLS:      tlsConfig,
			Stream:   dest.Redis.Stream,
			MaxLen:   dest.Redis.MaxLen,
		}
		return redissink.NewSink(rcfg, redissink.NewClient(rcfg), logger)

	default:
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "Gateway", "buildSink", "destination %q: unsupported type %q", dest.ID, dest.Type)
	}
}

func clientTLS(cfg *config.Config, enabled bool) (*tls.Config, error) {
	if !enabled {
		return nil, nil
	}
	return tlsutil.LoadClientTLSConfig(cfg.Security.TLS.Client)
}

func (g *Gateway) buildWorker(cfg *config.Config, dest config.DestinationConfig) (*dispatch.Worker, error) {
	sink, err := g.sinkFactory(cfg, dest)
	if err != nil {
		return nil, err
	}
	w, err := dispatch.NewWorker(dispatch.WorkerConfig{
		ID:            dest.ID,
		Type:          dest.Type,
		Project:       dest.Project,
		QueueSize:     dest.QueueSize,
		BatchSize:     dest.BatchSize,
		FlushInterval: dest.FlushInterval.Std(),
		Retry:         dest.Retry.Config(),
	}, sink, dispatch.WorkerDeps{
		Logger:          g.logger,
		MetricsRegistry: g.registry,
		QueueMetrics:    g.queueMetrics,
		Health:          g.health,
	})
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	return w, nil
}

// buildDestinations returns workers for cfg, reusing those in current whose
// settings are unchanged. On error every newly built worker is closed.
func (g *Gateway) buildDestinations(cfg *config.Config, current map[string]destination) (map[string]destination, []*dispatch.Worker, error) {
	next := make(map[string]destination, len(cfg.Destinations))
	workers := make([]*dispatch.Worker, 0, len(cfg.Destinations))
	var built []*dispatch.Worker

	for _, dest := range cfg.Destinations {
		spec := specFor(cfg, dest)
		if old, ok := current[dest.ID]; ok && old.spec.equal(spec) {
			next[dest.ID] = old
			workers = append(workers, old.worker)
			continue
		}
		w, err := g.buildWorker(cfg, dest)
		if err != nil {
			for _, b := range built {
				_ = b.Stop(0)
			}
			return nil, nil, err
		}
		built = append(built, w)
		next[dest.ID] = destination{spec: spec, worker: w}
		workers = append(workers, w)
	}
	return next, workers, nil
}
