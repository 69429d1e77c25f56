// Package health provides health tracking for the gateway.
//
// Each AMI session and each destination worker reports into a Monitor under a
// prefixed name ("session/<server>", "destination/<id>"). AggregateHealth
// rolls them up: a session outside Streaming or a destination whose last
// batch was dropped makes the gateway degraded, never unhealthy, because the
// process keeps retrying on its own.
//
// Messages are passed through Sanitize so PBX addresses and credentials do not
// leak through the /health endpoint.
package health
