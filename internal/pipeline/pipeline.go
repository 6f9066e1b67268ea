// Package pipeline runs the per-frame tracker and counter on a single
// writer and publishes an immutable snapshot after every frame.
//
// Readers (HTTP handlers, overlays) call Snapshot and never block frame
// processing. Crossing events are fanned out to subscribers without
// blocking; a slow subscriber loses events rather than stalling the frame
// loop, and every loss is counted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/counting"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/source"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
	"github.com/banshee-data/occupancy.report/internal/tracking"
)

var logf = monitoring.Component("pipeline")

// ErrOutOfOrder is returned by ProcessFrame for a frame whose index is not
// greater than the last processed one but within the reorder window below
// it. The frame is dropped.
var ErrOutOfOrder = errors.New("frame out of order")

// Snapshot is the state published after each frame. It is never mutated
// after publication.
type Snapshot struct {
	Counts       counting.Counts          `json:"counts"`
	Tracks       []tracking.Track         `json:"tracks"`
	RecentEvents []counting.CrossingEvent `json:"recent_events"` // oldest first
	FrameIndex   uint64                   `json:"frame_index"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// Stats reports pipeline counters.
type Stats struct {
	FramesProcessed  uint64                `json:"frames_processed"`
	FramesOutOfOrder uint64                `json:"frames_out_of_order"`
	SourceRestarts   uint64                `json:"source_restarts"`
	StaleEvaluations uint64                `json:"stale_evaluations"`
	EventsEmitted    uint64                `json:"events_emitted"`
	EventsDropped    uint64                `json:"events_dropped"`
	Subscribers      int                   `json:"subscribers"`
	Tracker          tracking.TrackerStats `json:"tracker"`
}

// Subscription receives crossing events. C is closed by Unsubscribe.
type Subscription struct {
	Name string
	C    <-chan counting.CrossingEvent

	ch      chan counting.CrossingEvent
	dropped atomic.Uint64
}

// Dropped returns how many events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Pipeline owns a Tracker and a Counter. All mutation happens under mu.
type Pipeline struct {
	mu         sync.Mutex
	cfg        *config.CountingConfig
	tracker    *tracking.Tracker
	counter    *counting.Counter
	clock      timeutil.Clock
	lastIndex  uint64
	seq        uint64
	recent     []counting.CrossingEvent
	recentCap  int
	eventBuf   int
	reorder    uint64
	widthWarns int

	snapshot atomic.Pointer[Snapshot]

	subsMu sync.RWMutex
	subs   map[*Subscription]struct{}

	framesProcessed  atomic.Uint64
	framesOutOfOrder atomic.Uint64
	sourceRestarts   atomic.Uint64
	staleEvaluations atomic.Uint64
	eventsEmitted    atomic.Uint64
	eventsDropped    atomic.Uint64
}

// New builds a pipeline from a validated configuration. A nil clock uses
// the wall clock.
func New(cfg *config.CountingConfig, clock timeutil.Clock) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.EmptyConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p := &Pipeline{
		cfg:       cfg,
		tracker:   tracking.NewTracker(tracking.TrackerConfigFromCounting(cfg), clock),
		counter:   counting.NewCounter(counting.CounterConfigFromCounting(cfg)),
		clock:     clock,
		recentCap: cfg.GetRecentEvents(),
		eventBuf:  cfg.GetEventBuffer(),
		reorder:   uint64(cfg.GetReorderWindow()),
		subs:      make(map[*Subscription]struct{}),
	}
	p.publishLocked()
	return p, nil
}

// ProcessFrame runs one frame through the tracker and counter, publishes a
// new snapshot and fans out any crossing events. A frame with a zero
// Index is numbered after the last processed frame. An index more than
// reorder_window below the last one re-bases the sequence: the detector
// restarted and the frame is processed with the current state.
func (p *Pipeline) ProcessFrame(f source.Frame) ([]counting.CrossingEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f.Index == 0 {
		f.Index = p.lastIndex + 1
	}
	if f.Index <= p.lastIndex && p.lastIndex-f.Index > p.reorder {
		n := p.sourceRestarts.Add(1)
		logf("frame index fell from %d to %d: treating as a source restart (total restarts: %d)", p.lastIndex, f.Index, n)
		p.lastIndex = f.Index - 1
	}
	if f.Index <= p.lastIndex {
		n := p.framesOutOfOrder.Add(1)
		logf("dropping frame %d: last processed %d (total out of order: %d)", f.Index, p.lastIndex, n)
		return nil, fmt.Errorf("%w: frame %d after %d", ErrOutOfOrder, f.Index, p.lastIndex)
	}
	p.lastIndex = f.Index

	if f.Width > 0 && f.Width != p.cfg.GetFrameWidth() && p.widthWarns < 3 {
		p.widthWarns++
		logf("warning: frame %d is %dpx wide but thresholds are configured for %dpx", f.Index, f.Width, p.cfg.GetFrameWidth())
	}

	live := p.tracker.Update(f.Detections(), f.Timestamp)
	events, err := p.counter.Evaluate(live)
	if err != nil {
		p.staleEvaluations.Add(1)
		logf("ERROR: counter rejected frame %d: %v", f.Index, err)
		p.publishLocked()
		return nil, err
	}
	p.framesProcessed.Add(1)

	for i := range events {
		p.seq++
		events[i].Seq = p.seq
	}
	if len(events) > 0 {
		p.recent = append(p.recent, events...)
		if over := len(p.recent) - p.recentCap; over > 0 {
			p.recent = append([]counting.CrossingEvent(nil), p.recent[over:]...)
		}
	}
	p.publishLocked()

	for _, ev := range events {
		p.eventsEmitted.Add(1)
		p.fanOut(ev)
	}
	return events, nil
}

// Run processes frames from in until it is closed or ctx is cancelled.
// Per-frame errors are logged and do not stop the loop.
func (p *Pipeline) Run(ctx context.Context, in <-chan source.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-in:
			if !ok {
				logf("frame source closed after %d frames", p.framesProcessed.Load())
				return nil
			}
			// Errors are already logged inside ProcessFrame.
			_, _ = p.ProcessFrame(f)
		}
	}
}

// Snapshot returns the most recently published state. It never blocks.
func (p *Pipeline) Snapshot() *Snapshot {
	return p.snapshot.Load()
}

// Counts returns the published totals.
func (p *Pipeline) Counts() counting.Counts {
	return p.Snapshot().Counts
}

// Reset zeros the totals and re-arms every live track. It is mutually
// exclusive with frame processing and returns the totals before reset and
// the sequence of the last event they include.
func (p *Pipeline) Reset() (counting.Counts, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := p.counter.Reset(p.tracker.Live())
	p.recent = nil
	p.publishLocked()
	logf("counts reset at seq %d (was entries=%d exits=%d occupancy=%d)", p.seq, before.Entries, before.Exits, before.Occupancy)
	return before, p.seq
}

// Restore seeds the totals and the event sequence, typically from the
// database at startup. New events are numbered after seq.
func (p *Pipeline) Restore(counts counting.Counts, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counter.Restore(counts)
	p.seq = seq
	p.publishLocked()
	logf("restored counts entries=%d exits=%d occupancy=%d seq=%d", counts.Entries, counts.Exits, p.counter.Counts().Occupancy, seq)
}

// ApplyConfig validates cfg and swaps in its thresholds between frames.
// Live tracks and totals are kept.
func (p *Pipeline) ApplyConfig(cfg *config.CountingConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	trackerCfg := tracking.TrackerConfigFromCounting(cfg)
	p.tracker.UpdateConfig(func(c *tracking.TrackerConfig) { *c = trackerCfg })
	p.counter.Config = counting.CounterConfigFromCounting(cfg)
	p.recentCap = cfg.GetRecentEvents()
	if len(p.recent) > p.recentCap {
		p.recent = append([]counting.CrossingEvent(nil), p.recent[len(p.recent)-p.recentCap:]...)
	}
	p.eventBuf = cfg.GetEventBuffer()
	p.reorder = uint64(cfg.GetReorderWindow())
	p.cfg = cfg
	p.widthWarns = 0
	p.publishLocked()

	logf("applied config: max_distance=%.1f max_disappeared=%d window=%d boundary_x=%.1f movement_threshold=%.1f",
		trackerCfg.MaxDistance, trackerCfg.MaxDisappeared, trackerCfg.HistoryLength,
		p.counter.Config.BoundaryX, p.counter.Config.MovementThreshold)
	return nil
}

// Config returns the configuration currently in effect.
func (p *Pipeline) Config() *config.CountingConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Subscribe registers a consumer of crossing events. A buffer of zero or
// less uses the configured event_buffer.
func (p *Pipeline) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		p.mu.Lock()
		buffer = p.eventBuf
		p.mu.Unlock()
	}
	ch := make(chan counting.CrossingEvent, buffer)
	sub := &Subscription{Name: name, C: ch, ch: ch}

	p.subsMu.Lock()
	p.subs[sub] = struct{}{}
	p.subsMu.Unlock()
	logf("subscriber %q registered (buffer %d)", name, buffer)
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (p *Pipeline) Unsubscribe(sub *Subscription) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if _, ok := p.subs[sub]; !ok {
		return
	}
	delete(p.subs, sub)
	close(sub.ch)
	logf("subscriber %q removed (dropped %d events)", sub.Name, sub.Dropped())
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	trackerStats := p.tracker.Stats()
	p.mu.Unlock()

	p.subsMu.RLock()
	subs := len(p.subs)
	p.subsMu.RUnlock()

	return Stats{
		FramesProcessed:  p.framesProcessed.Load(),
		FramesOutOfOrder: p.framesOutOfOrder.Load(),
		SourceRestarts:   p.sourceRestarts.Load(),
		StaleEvaluations: p.staleEvaluations.Load(),
		EventsEmitted:    p.eventsEmitted.Load(),
		EventsDropped:    p.eventsDropped.Load(),
		Subscribers:      subs,
		Tracker:          trackerStats,
	}
}

func (p *Pipeline) fanOut(ev counting.CrossingEvent) {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	for sub := range p.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			total := p.eventsDropped.Add(1)
			logf("DROPPED %s event for track %d: subscriber %q full (total dropped: %d)",
				ev.Direction, ev.TrackID, sub.Name, total)
		}
	}
}

// publishLocked builds and stores a fresh snapshot. Caller holds mu.
func (p *Pipeline) publishLocked() {
	recent := make([]counting.CrossingEvent, len(p.recent))
	copy(recent, p.recent)
	snap := &Snapshot{
		Counts:       p.counter.Counts(),
		Tracks:       p.tracker.Snapshot(),
		RecentEvents: recent,
		FrameIndex:   p.lastIndex,
		UpdatedAt:    p.clock.Now(),
	}
	p.snapshot.Store(snap)
}
