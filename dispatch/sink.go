package dispatch

import (
	"context"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
)

// Sink delivers batches of events to one destination. Write is called from
// a single worker goroutine and must either store the whole batch or return
// an error; a batch is never partially acknowledged. Errors wrapped with
// retry.NonRetryable are not retried.
type Sink interface {
	Write(ctx context.Context, events []*ami.Event) error
	Close() error
}
