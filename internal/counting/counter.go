// Package counting turns track trajectories into directional entry/exit
// events against a vertical counting boundary, and owns the aggregate
// entry/exit totals.
//
// Direction is decided by net horizontal displacement across the boundary
// between the oldest and newest retained centroid, not by segment
// intersection. A track fires at most once.
package counting

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/geom"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/tracking"
	"github.com/google/uuid"
)

var logf = monitoring.Component("counter")

// ErrStaleFrame is returned by Evaluate when it is handed a live set that
// was already evaluated, or one produced before any tracker update.
var ErrStaleFrame = errors.New("evaluate called without a fresh tracker update")

// Direction of a counted crossing.
type Direction string

const (
	DirectionEntry Direction = "entry" // right to left
	DirectionExit  Direction = "exit"  // left to right
)

// Counts is an immutable snapshot of the aggregate totals.
//
// Occupancy follows Entries - Exits but never drops below zero: an exit
// counted while nobody is inside (someone present before counting began)
// leaves it at zero. Entries and Exits are always the raw totals.
type Counts struct {
	Entries   int64 `json:"entries"`
	Exits     int64 `json:"exits"`
	Occupancy int64 `json:"occupancy"`
}

// CrossingEvent is emitted once per counted crossing and never mutated.
type CrossingEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	TrackID   int64     `json:"track_id"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
	StartX    float64   `json:"start_x"`
	EndX      float64   `json:"end_x"`
	Frame     uint64    `json:"frame"`
	// Seq orders events across process restarts. The pipeline assigns it.
	Seq    uint64 `json:"seq"`
	Counts Counts `json:"counts"` // totals immediately after this event
}

// Displacement returns EndX - StartX.
func (e CrossingEvent) Displacement() float64 {
	return e.EndX - e.StartX
}

// CounterConfig holds the crossing decision thresholds.
type CounterConfig struct {
	BoundaryX         float64 // Vertical counting line x-position (pixels)
	MovementThreshold float64 // Minimum |end_x - start_x| (pixels)
	MinPoints         int     // Minimum retained centroids before a decision
}

// DefaultCounterConfig returns the built-in counter defaults.
func DefaultCounterConfig() CounterConfig {
	return CounterConfigFromCounting(config.EmptyConfig())
}

// CounterConfigFromCounting builds a CounterConfig from a loaded CountingConfig.
func CounterConfigFromCounting(cfg *config.CountingConfig) CounterConfig {
	return CounterConfig{
		BoundaryX:         cfg.GetBoundaryX(),
		MovementThreshold: cfg.GetMovementThreshold(),
		MinPoints:         cfg.GetMinTrajectoryPoints(),
	}
}

// Counter evaluates live tracks each frame. It is the single writer of
// the aggregate counts and of every Track's Crossed flag.
//
// A Counter is not safe for concurrent use; the pipeline serialises
// Evaluate, Reset and Restore.
type Counter struct {
	Config CounterConfig

	entries        int64
	exits          int64
	occupancy      int64
	lastGeneration uint64
	newID          func() uuid.UUID
}

// NewCounter creates a counter with zeroed totals.
func NewCounter(cfg CounterConfig) *Counter {
	return &Counter{Config: cfg, newID: uuid.New}
}

// Evaluate inspects every uncrossed track in live and returns the
// crossing events decided this frame, in track ID order.
func (c *Counter) Evaluate(live tracking.LiveSet) ([]CrossingEvent, error) {
	if live.Generation == 0 || live.Generation <= c.lastGeneration {
		return nil, fmt.Errorf("%w: generation %d, last evaluated %d", ErrStaleFrame, live.Generation, c.lastGeneration)
	}
	c.lastGeneration = live.Generation

	var events []CrossingEvent
	for _, track := range live.Tracks {
		if track.Crossed {
			continue
		}
		dir, startX, endX, ok := c.decide(track.History)
		if !ok {
			continue
		}

		track.Crossed = true
		switch dir {
		case DirectionEntry:
			c.entries++
			c.occupancy++
		case DirectionExit:
			c.exits++
			c.occupancy = max(0, c.occupancy-1)
		}
		ev := CrossingEvent{
			EventID:   c.newID(),
			TrackID:   track.ID,
			Direction: dir,
			Timestamp: live.Timestamp,
			StartX:    startX,
			EndX:      endX,
			Frame:     live.Generation,
			Counts:    c.Counts(),
		}
		logf("%s: track %d moved %.0f -> %.0f (occupancy %d)", dir, track.ID, startX, endX, ev.Counts.Occupancy)
		events = append(events, ev)
	}
	return events, nil
}

// decide applies the crossing rule to a trajectory.
func (c *Counter) decide(history []geom.Point) (dir Direction, startX, endX float64, ok bool) {
	if len(history) == 0 || len(history) < c.Config.MinPoints {
		return "", 0, 0, false
	}
	startX = history[0].X
	endX = history[len(history)-1].X

	displacement := endX - startX
	if math.Abs(displacement) < c.Config.MovementThreshold {
		return "", 0, 0, false
	}

	b := c.Config.BoundaryX
	crossesLeft := startX > b && endX < b
	crossesRight := startX < b && endX > b
	switch {
	case displacement < 0 && crossesLeft:
		return DirectionEntry, startX, endX, true
	case displacement > 0 && crossesRight:
		return DirectionExit, startX, endX, true
	}
	return "", 0, 0, false
}

// Counts returns the current totals.
func (c *Counter) Counts() Counts {
	return Counts{Entries: c.entries, Exits: c.exits, Occupancy: c.occupancy}
}

// Reset zeros the totals and re-arms every track in tracks. Tracks are
// not destroyed. It returns the totals as they were before the reset.
func (c *Counter) Reset(tracks []*tracking.Track) Counts {
	before := c.Counts()
	c.entries = 0
	c.exits = 0
	c.occupancy = 0
	for _, t := range tracks {
		t.Crossed = false
	}
	return before
}

// Restore seeds the totals, typically from persisted state at startup.
// A negative occupancy is floored at zero.
func (c *Counter) Restore(counts Counts) {
	c.entries = counts.Entries
	c.exits = counts.Exits
	c.occupancy = max(0, counts.Occupancy)
}
