// Package errors provides standardized error handling for the AMI gateway.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input or configuration, do not retry) and Fatal (stop processing).
// Sessions, sinks and the rule compiler all wrap their failures with one of
// the Wrap helpers so callers can pick a recovery policy without string
// matching.
//
// # Sentinels
//
// Recovery policy in the session state machine hinges on a few sentinels:
//
//   - ErrTransport, ErrIdleTimeout, ErrFrameMalformed: reconnect with the transport backoff
//   - ErrAuthFailed: reconnect with the slower authentication backoff
//   - ErrBannerMismatch: treated like a transport failure
//
// The rule compiler reports ErrDeadClause and ErrUnknownDestination, and the
// dispatcher reports ErrSinkFailed and ErrQueueFull.
//
// # Usage
//
//	if err := conn.Write(frame); err != nil {
//	    return errors.WrapTransient(err, "Session", "login", "write login action")
//	}
//
//	if errors.IsAuth(err) {
//	    delay = authBackoff.Next()
//	}
//
// All wrapped errors follow the "component.method: action failed: cause"
// format and preserve the chain for errors.Is and errors.As.
package errors
