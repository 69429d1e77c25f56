// Package testutil provides test doubles shared by the gateway packages.
//
// AMIServer is an in-process AMI server on a real loopback listener. It
// greets with a banner, answers Login and Ping, and pushes event blocks to
// authenticated connections. Tests drive failure modes through
// RejectLogins, Mute (stop answering so the client hits its idle deadline)
// and DropConnections.
//
//	srv := testutil.NewAMIServer(t, testutil.WithScript(
//	    testutil.EventBlock("Event", "Hangup", "Channel", "SIP/100"),
//	))
//	// connect a session to srv.Host(), srv.Port() with admin / secret
//
// MockSink records delivered batches and can be switched to fail or block,
// which is how isolation between destinations is tested.
package testutil
