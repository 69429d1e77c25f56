// Package metric provides the Prometheus registry and HTTP server for the
// gateway's observability surface.
//
// The registry is created once in main, passed to every component through its
// Deps struct and torn down with the process. It pre-registers the gateway core
// metrics (Metrics) together with the Go runtime and process collectors, and
// lets components register their own collectors through MetricsRegistrar.
//
// # Core Metrics
//
//   - amilogger_session_state{server}: 0=disconnected 1=connecting 2=authenticating 3=streaming 4=backoff
//   - amilogger_session_reconnects_total{server}, amilogger_session_auth_failures_total{server}
//   - amilogger_events_received_total{server}
//   - amilogger_events_routed_total, amilogger_events_unmatched_total, amilogger_rule_errors_total
//   - amilogger_dispatch_queue_depth{destination}
//   - amilogger_dispatch_delivered_total{destination}, amilogger_dispatch_dropped_total{destination,reason}
//   - amilogger_dispatch_failed_total{destination}, amilogger_dispatch_batch_seconds{destination}
//
// Series for servers and destinations removed by a reload are deleted with
// ForgetServer and ForgetDestination.
//
// # Server
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer(9090, "/metrics", registry, securityCfg,
//	    metric.WithHealth(gw.Health),
//	    metric.WithStatus(func() any { return gw.Snapshot() }),
//	)
//	go func() { _ = srv.Start() }()
//	defer srv.Stop(ctx)
//
// /health answers 503 when the health provider reports unhealthy.
package metric
