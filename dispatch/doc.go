// Package dispatch delivers routed events to their destinations.
//
// Every destination owns a Worker: a bounded queue (pkg/buffer, drop-newest
// on overflow) feeding one goroutine that writes batches to a Sink in queue
// order. Batches close on size or on the flush interval, and failed writes
// are retried with exponential backoff (pkg/retry). A batch that exhausts
// its retries is dropped and logged with its first and last event
// coordinates; the worker then moves on.
//
// The Dispatcher holds the destination table behind an atomic pointer.
// Route looks destinations up without locks and never blocks, so a stalled
// destination cannot delay any other destination or the sessions feeding
// the router. Reconfiguration is two-phase:
//
//	retired, err := d.Apply(workers) // new table, retired workers still reachable
//	engine.Swap(ruleSet)             // rules now reference only the new table
//	d.Retire(retired, timeout)       // drain and close what is gone
//
// On shutdown each worker finishes its batch in flight, writes the rest of
// its queue once without retry before the stop deadline, and closes its
// sink.
package dispatch
