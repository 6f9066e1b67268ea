package db

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/occupancy.report/internal/counting"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

// EventWriter drains crossing events from a channel and stores them in
// batches, so a slow disk never stalls the frame loop.
type EventWriter struct {
	DB        *DB
	Interval  time.Duration // flush period for a partial batch
	BatchSize int           // flush as soon as this many events are pending
	Clock     timeutil.Clock

	written atomic.Int64
	failed  atomic.Int64
	batches atomic.Int64
}

// EventWriterStats reports what the writer has stored so far.
type EventWriterStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Batches int64 `json:"batches"`
}

// NewEventWriter returns a writer that flushes every second or every 32
// events, whichever comes first.
func NewEventWriter(db *DB) *EventWriter {
	return &EventWriter{
		DB:        db,
		Interval:  time.Second,
		BatchSize: 32,
		Clock:     timeutil.RealClock{},
	}
}

// Run consumes events until the channel is closed or ctx is cancelled.
// Pending events are flushed before it returns.
func (w *EventWriter) Run(ctx context.Context, events <-chan counting.CrossingEvent) error {
	ticker := w.Clock.NewTicker(w.Interval)
	defer ticker.Stop()

	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	pending := make([]counting.CrossingEvent, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := w.DB.RecordEvents(ctx, pending); err != nil {
			w.failed.Add(int64(len(pending)))
			logf("failed to store %d events: %v", len(pending), err)
		} else {
			w.written.Add(int64(len(pending)))
			w.batches.Add(1)
		}
		pending = pending[:0]
	}

	// The final flush must outlive the cancelled run context.
	drain := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		flush(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				drain()
				return nil
			}
			pending = append(pending, ev)
			if len(pending) >= batchSize {
				flush(ctx)
			}
		case <-ticker.C():
			flush(ctx)
		}
	}
}

// Stats returns writer counters.
func (w *EventWriter) Stats() EventWriterStats {
	return EventWriterStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Batches: w.batches.Load(),
	}
}
