// Package buffer implements the bounded queues that sit between the routing
// path and each destination worker.
//
// Writers never block. With DropNewest a full buffer rejects the new item,
// invokes the drop callback and returns an error wrapping errors.ErrQueueFull;
// with DropOldest the oldest item is evicted instead. Readers wait on Notify
// and drain with ReadBatch:
//
//	q := buffer.NewCircularBuffer[*ami.Event](10000,
//	    buffer.WithOverflowPolicy[*ami.Event](buffer.DropNewest),
//	    buffer.WithMetrics[*ami.Event](queueMetrics, "audit-file"),
//	)
//	for {
//	    select {
//	    case <-ctx.Done():
//	        return
//	    case <-q.Notify():
//	        for batch := q.ReadBatch(100); len(batch) > 0; batch = q.ReadBatch(100) {
//	            write(batch)
//	        }
//	    }
//	}
//
// Statistics are always collected; Prometheus export is opt-in through a
// shared Metrics value so that buffers created on reload reuse the same
// registered collectors.
package buffer
