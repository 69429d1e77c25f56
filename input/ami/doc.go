// Package ami maintains authenticated AMI connections and turns their
// streams into events.
//
// A Session owns the connection to one server and moves through
//
//	Disconnected -> Connecting -> Authenticating -> Streaming
//	                    ^                |              |
//	                    +---- Backoff <--+--------------+
//
// Connect failures, read errors, malformed blocks and silence longer than
// the idle timeout all end in Backoff with the transport policy. A rejected
// or unanswered login ends in Backoff with the slower auth policy. Both
// delays grow up to their cap and only reset after a Streaming period that
// lasted at least the policy's ResetAfter.
//
// Each Streaming period gets a fresh session ID and numbers its events from
// zero, so a sequence restart marks a possible gap. A malformed block ends
// the connection instead of being skipped.
//
// The Supervisor runs one Session per server, merges their events into
// Events() and records each transition into SessionStatus, metrics and
// health. Reconcile applies a new server list without touching unchanged
// sessions.
package ami
