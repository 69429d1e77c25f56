// Package worker provides a small generic worker pool for background jobs
// that must not run on a delivery path, such as compressing rotated log
// files.
//
//	pool, err := worker.NewPool("compress", 1, 16, compressFile)
//	_ = pool.Start(ctx)
//	_ = pool.Submit("/var/log/amilogger/events_2024-05-01.log")
//	_ = pool.Stop(5 * time.Second) // waits for queued files
//
// Submit never blocks: a full queue returns ErrQueueFull.
package worker
