// Package redis implements the Redis stream destination. Each event
// becomes one XADD entry with the fields server, session_id, sequence,
// received_at, event and fields (the event's fields as a JSON object). A
// batch is sent as one MULTI/EXEC pipeline. With MaxLen set, streams are
// trimmed approximately (MAXLEN ~).
package redis
