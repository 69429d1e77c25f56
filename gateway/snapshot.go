package gateway

import (
	"time"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/dispatch"
	"github.com/Tosindo/Asterisk-AMI-Event-Logger/health"
	amiinput "github.com/Tosindo/Asterisk-AMI-Event-Logger/input/ami"
)

// RuleSetInfo describes the active rule set.
type RuleSetInfo struct {
	Version uint64   `json:"version"`
	Clauses []string `json:"clauses"`
}

// Snapshot is the observable state served on /status.
type Snapshot struct {
	StartedAt           time.Time                `json:"started_at,omitempty"`
	Uptime              string                   `json:"uptime,omitempty"`
	Sessions            []amiinput.SessionStatus `json:"sessions"`
	Destinations        []dispatch.Stats         `json:"destinations"`
	UnknownDestinations int64                    `json:"unknown_destination_drops"`
	RuleSet             RuleSetInfo              `json:"rule_set"`
}

// Snapshot returns the current state of sessions, destinations and rules.
func (g *Gateway) Snapshot() Snapshot {
	g.mu.Lock()
	startedAt := g.startedAt
	g.mu.Unlock()

	rs := g.engine.Current()
	snap := Snapshot{
		StartedAt:           startedAt,
		Sessions:            g.supervisor.Status(),
		Destinations:        g.dispatcher.Stats(),
		UnknownDestinations: g.dispatcher.UnknownDrops(),
		RuleSet:             RuleSetInfo{Version: rs.Version(), Clauses: rs.ClauseNames()},
	}
	if !startedAt.IsZero() {
		snap.Uptime = time.Since(startedAt).Truncate(time.Second).String()
	}
	return snap
}

// Health aggregates session and destination health. Sessions in backoff
// and failing destinations degrade it; it is unhealthy when servers are
// configured and none of them is streaming.
func (g *Gateway) Health() (bool, any) {
	status := g.health.AggregateHealth("amilogger")
	if status.IsUnhealthy() {
		return false, status
	}

	sessions := g.supervisor.Status()
	for _, s := range sessions {
		if s.State == amiinput.StateStreaming {
			return true, status
		}
	}
	if len(sessions) == 0 {
		return true, status
	}
	status.Healthy = false
	status.Status = health.LevelUnhealthy
	status.Message = "no AMI session is streaming"
	return false, status
}

// HealthMonitor returns the monitor components report to.
func (g *Gateway) HealthMonitor() *health.Monitor { return g.health }
