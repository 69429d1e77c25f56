// Package natsclient wraps a nats.go connection for publishing.
//
// The client connects lazily and leaves reconnection to nats.go once a
// connection exists. Initial connection failures are counted; after a
// threshold of consecutive failures the circuit opens and Connect fails
// fast with ErrCircuitOpen until the backoff elapses. The backoff doubles
// each time the circuit opens, up to WithMaxBackoff, and resets on a
// successful connect.
//
//	client, err := natsclient.NewClient([]string{"nats://localhost:4222"},
//	    natsclient.WithCredentials("ami", "secret"),
//	    natsclient.WithReconnectWait(2*time.Second))
//	if err := client.Connect(ctx); err != nil { ... }
//	err = client.Publish("ami.pbx1.Hangup", payload)
//	err = client.Flush(ctx)
//
// Close drains pending publishes before closing the connection.
package natsclient
