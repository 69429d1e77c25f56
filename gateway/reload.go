package gateway

import (
	"reflect"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/config"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/processor/rule"
)

// Reload applies cfg while events keep flowing. The new rule set is
// compiled against the new destination table first; if anything fails the
// previous configuration stays active untouched.
//
// Destinations whose settings did not change keep their worker and queue.
// Removed or changed ones are drained and closed after the new rule set is
// active. Servers are reconciled last.
func (g *Gateway) Reload(cfg *config.Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "Reload", "configuration is required")
	}
	cfg = cfg.Clone()
	cfg.ApplyDestinationDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	rs, err := rule.Compile(cfg.Clauses, cfg.DestinationIDs())
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Gateway", "Reload", "reload gateway")
	}

	destinations, workers, err := g.buildDestinations(cfg, g.destinations)
	if err != nil {
		return err
	}
	retired, err := g.dispatcher.Apply(workers)
	if err != nil {
		return err
	}
	previous := g.engine.Swap(rs)
	if err := g.dispatcher.Retire(retired, g.shutdownTimeout); err != nil {
		g.logger.Warn("Retired destinations dropped events", "error", err)
	}
	for _, w := range retired {
		if _, live := destinations[w.ID()]; !live {
			g.health.Remove("destination/" + w.ID())
		}
	}

	current := g.active.Get()
	if !reflect.DeepEqual(cfg.Session, current.Session) || !reflect.DeepEqual(cfg.Security, current.Security) {
		g.logger.Warn("Session and security settings apply to reconnected sessions only after restart")
	}
	g.supervisor.Reconcile(cfg.Servers)

	g.destinations = destinations
	if err := g.active.Update(cfg); err != nil {
		g.logger.Warn("Active configuration not recorded", "error", err)
	}
	g.logger.Info("Configuration reloaded",
		"rule_set_version", g.engine.Current().Version(),
		"previous_version", previous.Version(),
		"destinations", len(destinations),
		"retired", len(retired),
		"servers", len(cfg.Servers))
	return nil
}
