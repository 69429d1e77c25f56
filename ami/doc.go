// Package ami is the codec for the Asterisk Manager Interface text protocol.
//
// The wire format is a stream of blocks. Each block is a run of "Key: Value"
// lines terminated by CRLF and closed by an empty line. A server opens every
// connection with a single banner line ("Asterisk Call Manager/5.0.1").
//
// Decoder turns a connection into Blocks and is insensitive to how the bytes
// were split across reads. Malformed input yields a *FrameError, which
// matches errors.ErrFrameMalformed. The only outbound messages are Login and
// Ping, built by EncodeLogin and EncodeKeepalive.
//
// Event wraps an event block together with its origin: server name, the
// session identifier of the Streaming period that produced it and a sequence
// number that restarts at zero on every new session.
package ami
