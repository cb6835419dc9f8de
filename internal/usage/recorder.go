// Package usage persists per-request accounting records off the hot
// path. Records are queued on a buffered channel and drained by a small
// worker pool; the proxy never blocks on the database.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/models"
)

const (
	batchSize     = 64
	flushInterval = 500 * time.Millisecond
	maxRetries    = 5
)

// Recorder buffers usage records and writes them in batches.
type Recorder struct {
	store       store.UsageStore
	queue       chan models.UsageRecord
	workers     int
	dropped     atomic.Int64
	dropCounter prometheus.Counter // optional
	wg          sync.WaitGroup
}

// NewRecorder builds a recorder with the given queue capacity and worker
// count. Run must be called before records are drained.
func NewRecorder(s store.UsageStore, queueSize, workers int) *Recorder {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if workers <= 0 {
		workers = 2
	}
	return &Recorder{
		store:   s,
		queue:   make(chan models.UsageRecord, queueSize),
		workers: workers,
	}
}

// Record enqueues one record without blocking. When the queue is full
// the oldest buffered record is evicted so recent traffic wins.
func (r *Recorder) Record(rec models.UsageRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	for {
		select {
		case r.queue <- rec:
			return
		default:
		}
		select {
		case <-r.queue:
			r.drop(1)
		default:
		}
	}
}

// Dropped reports how many records were evicted or abandoned since start.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// PublishDropsTo mirrors every dropped record into a Prometheus counter.
// Must be called before the first Record.
func (r *Recorder) PublishDropsTo(c prometheus.Counter) {
	r.dropCounter = c
}

func (r *Recorder) drop(n int) {
	r.dropped.Add(int64(n))
	if r.dropCounter != nil {
		r.dropCounter.Add(float64(n))
	}
}

// Run starts the worker pool and blocks until the context is cancelled
// and the remaining buffer has been flushed.
func (r *Recorder) Run(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.wg.Wait()
}

func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]models.UsageRecord, 0, batchSize)
	for {
		select {
		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				batch = r.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = r.flush(ctx, batch)
		case <-ctx.Done():
			// Drain whatever is buffered, then write with a grace period.
			for {
				select {
				case rec := <-r.queue:
					batch = append(batch, rec)
				default:
					grace, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					r.flush(grace, batch)
					cancel()
					return
				}
			}
		}
	}
}

// flush writes the batch with exponential-backoff retries. A batch that
// still fails after the retry budget is dropped and counted.
func (r *Recorder) flush(ctx context.Context, batch []models.UsageRecord) []models.UsageRecord {
	if len(batch) == 0 {
		return batch
	}
	op := func() error {
		return r.store.InsertUsage(ctx, batch)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		r.drop(len(batch))
		log.Error().Err(err).Int("records", len(batch)).Msg("Usage batch lost after retries")
	}
	return batch[:0]
}
