// Package retry provides exponential backoff for transient failures.
//
// Do retries a bounded operation, such as writing one batch to a sink, a
// fixed number of times. Errors wrapped with NonRetryable stop the
// loop immediately.
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return sink.Write(ctx, batch)
//	})
//
// Backoff serves long-lived reconnect loops that never give up. Each call to
// Next returns a delay that is at least the previous one and at most
// Policy.Max; Succeeded restarts the schedule only after the connection stayed
// healthy for Policy.ResetAfter, so a flapping link keeps backing off.
//
//	b := retry.NewBackoff(retry.DefaultTransportPolicy())
//	for {
//	    healthy, err := connectAndStream(ctx)
//	    b.Succeeded(healthy)
//	    if err := retry.Sleep(ctx, b.Next()); err != nil {
//	        return
//	    }
//	}
package retry
