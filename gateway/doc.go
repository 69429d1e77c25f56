// Package gateway assembles the AMI event logger: one session per
// configured server, the rule engine and one delivery worker per
// destination.
//
// Events flow in a single direction:
//
//	Supervisor.Events() -> rule.Engine.Evaluate -> dispatch.Dispatcher.Route -> Worker -> Sink
//
// A single routing goroutine evaluates events in arrival order, so events
// from one server reach each destination in the order they were received.
// Routing never blocks on a destination; a full queue drops the event for
// that destination only.
//
// # Lifecycle
//
//	g, err := gateway.New(cfg, gateway.Deps{Logger: logger, MetricsRegistry: registry})
//	if err != nil {
//		return err
//	}
//	if err := g.Start(ctx); err != nil {
//		return err
//	}
//	defer g.Stop(10 * time.Second)
//
// Stop disconnects every session, routes what was already read and then
// drains each destination within the given timeout.
//
// # Reload
//
// Reload validates and compiles a new configuration before touching
// anything. Destinations whose settings are unchanged keep their queues.
// New workers are registered first, the rule set is swapped, and only then
// are removed destinations drained, so no event is routed to a closed
// worker. Server additions and removals are reconciled without restarting
// unchanged sessions. Session timing and TLS settings take effect on
// restart.
//
// # Observability
//
// Snapshot reports per-session state, per-destination counters and the
// active rule set. Health aggregates the component monitor and reports
// unhealthy when servers are configured and none of them is streaming.
package gateway
