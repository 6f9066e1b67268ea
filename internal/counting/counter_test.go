package counting

import (
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/occupancy.report/internal/geom"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
	"github.com/banshee-data/occupancy.report/internal/tracking"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testConfig is a 1280-wide frame with the boundary at 640 and an 80px threshold.
func testConfig() CounterConfig {
	return CounterConfig{BoundaryX: 640, MovementThreshold: 80, MinPoints: 3}
}

type harness struct {
	tracker *tracking.Tracker
	counter *Counter
	frame   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		tracker: tracking.NewTracker(tracking.DefaultTrackerConfig(), timeutil.NewMockClock(t0)),
		counter: NewCounter(testConfig()),
	}
}

// step feeds one frame of centroids through tracker and counter.
func (h *harness) step(t *testing.T, xs ...float64) []CrossingEvent {
	t.Helper()
	dets := make([]tracking.Detection, len(xs))
	for i, x := range xs {
		dets[i] = tracking.NewDetection(geom.Box{X: x - 20, Y: 260, Width: 40, Height: 80})
	}
	h.frame++
	live := h.tracker.Update(dets, t0.Add(time.Duration(h.frame)*100*time.Millisecond))
	events, err := h.counter.Evaluate(live)
	require.NoError(t, err)
	return events
}

func TestDefaultCounterConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultCounterConfig()
	assert.Equal(t, 640.0, cfg.BoundaryX)
	assert.Equal(t, 192.0, cfg.MovementThreshold, "0.15 x 1280 beats the 80px floor")
	assert.Equal(t, 3, cfg.MinPoints)
}

func TestEvaluate_EntryRightToLeft(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var events []CrossingEvent
	for _, x := range []float64{900, 860, 820, 780, 740, 700, 660, 620, 600} {
		events = append(events, h.step(t, x)...)
	}

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, DirectionEntry, ev.Direction)
	assert.Equal(t, int64(1), ev.TrackID)
	assert.Equal(t, 900.0, ev.StartX)
	assert.Equal(t, 620.0, ev.EndX)
	assert.Equal(t, -280.0, ev.Displacement())
	assert.Equal(t, Counts{Entries: 1, Exits: 0, Occupancy: 1}, h.counter.Counts())
	assert.Equal(t, h.counter.Counts(), ev.Counts)
	assert.NotEqual(t, uuid.Nil, ev.EventID)
}

func TestEvaluate_JumpAcrossBoundary(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tracker.UpdateConfig(func(c *tracking.TrackerConfig) { c.MaxDistance = 400 })

	var events []CrossingEvent
	for _, x := range []float64{900, 900, 900, 600, 600, 600} {
		events = append(events, h.step(t, x)...)
	}

	require.Len(t, events, 1)
	assert.Equal(t, DirectionEntry, events[0].Direction)
	assert.Equal(t, -300.0, events[0].Displacement())
	assert.Equal(t, Counts{Entries: 1, Exits: 0, Occupancy: 1}, h.counter.Counts())
	assert.Equal(t, int64(1), h.tracker.Stats().TracksCreated)
}

func TestEvaluate_EntryDecidedOnFirstQualifyingFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tracker.UpdateConfig(func(c *tracking.TrackerConfig) { c.MaxDistance = 400 })

	var events []CrossingEvent
	for _, x := range []float64{900, 900, 900, 600, 600, 600} {
		events = append(events, h.step(t, x)...)
	}

	require.Len(t, events, 1)
	assert.Equal(t, DirectionEntry, events[0].Direction)
	assert.Equal(t, 900.0, events[0].StartX)
	assert.Equal(t, 600.0, events[0].EndX)
	assert.Equal(t, uint64(4), events[0].Frame, "decided on the first frame at 600")
	assert.Equal(t, Counts{Entries: 1, Occupancy: 1}, h.counter.Counts())
}

func TestEvaluate_ExitLeftToRight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var events []CrossingEvent
	for x := 500.0; x <= 800; x += 50 {
		events = append(events, h.step(t, x)...)
	}

	require.Len(t, events, 1)
	assert.Equal(t, DirectionExit, events[0].Direction)
	assert.Equal(t, Counts{Entries: 0, Exits: 1, Occupancy: 0}, h.counter.Counts())
}

func TestEvaluate_NoEventBelowMinPoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	assert.Empty(t, h.step(t, 700))
	assert.Empty(t, h.step(t, 620), "two points never decide even across the boundary")
	assert.Equal(t, Counts{}, h.counter.Counts())
}

func TestEvaluate_TwoTracksBelowMinPoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// One person each side of the boundary, two frames of history each.
	assert.Empty(t, h.step(t, 700, 300))
	assert.Empty(t, h.step(t, 690, 310))

	live := h.tracker.Live()
	require.Len(t, live, 2)
	for _, tr := range live {
		assert.Len(t, tr.History, 2)
		assert.False(t, tr.Crossed)
	}
	assert.Equal(t, Counts{}, h.counter.Counts())
}

func TestEvaluate_NoEventBelowThreshold(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Crosses the boundary but only moves 40px.
	for _, x := range []float64{620, 630, 640, 650, 660} {
		assert.Empty(t, h.step(t, x))
	}
	for range 50 {
		assert.Empty(t, h.step(t, 660))
	}
	live := h.tracker.Live()
	require.Len(t, live, 1)
	assert.False(t, live[0].Crossed)
	assert.Equal(t, Counts{}, h.counter.Counts())

	// Moving further decides it.
	var events []CrossingEvent
	for _, x := range []float64{640, 620, 600, 580, 560, 540} {
		events = append(events, h.step(t, x)...)
	}
	require.Len(t, events, 1)
	assert.Equal(t, DirectionEntry, events[0].Direction)
}

func TestEvaluate_NoEventWithoutCrossing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Large displacement entirely on the right-hand side.
	for x := 1200.0; x >= 700; x -= 50 {
		assert.Empty(t, h.step(t, x))
	}
}

func TestEvaluate_EndingOnBoundaryDoesNotCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, x := range []float64{800, 760, 720, 680, 640, 640} {
		assert.Empty(t, h.step(t, x), "endpoint exactly on the boundary is not a side")
	}
}

func TestEvaluate_AtMostOneEventPerTrack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var events []CrossingEvent
	for x := 900.0; x >= 300; x -= 50 {
		events = append(events, h.step(t, x)...)
	}
	// Walk back out again: same track, already crossed.
	for x := 350.0; x <= 900; x += 50 {
		events = append(events, h.step(t, x)...)
	}

	require.Len(t, events, 1)
	assert.Equal(t, Counts{Entries: 1, Exits: 0, Occupancy: 1}, h.counter.Counts())
	assert.True(t, h.tracker.Live()[0].Crossed)
}

func TestEvaluate_EvictedTrackDoesNotCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, x := range []float64{700, 690} {
		h.step(t, x)
	}
	for i := 0; i < 16; i++ {
		assert.Empty(t, h.step(t))
	}
	require.Empty(t, h.tracker.Live())

	// A fresh detection left of the boundary is a new track with no history.
	assert.Empty(t, h.step(t, 500))
	assert.Equal(t, Counts{}, h.counter.Counts())
}

func TestEvaluate_TwoPeopleOppositeDirections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var events []CrossingEvent
	for i := 0; i < 8; i++ {
		in := 900 - float64(i)*50
		out := 300 + float64(i)*50
		events = append(events, h.step(t, in, out)...)
	}

	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].TrackID)
	assert.Equal(t, int64(2), events[1].TrackID)
	assert.Equal(t, DirectionEntry, events[0].Direction)
	assert.Equal(t, DirectionExit, events[1].Direction)
	assert.Equal(t, Counts{Entries: 1, Exits: 1, Occupancy: 0}, h.counter.Counts())
}

func TestEvaluate_StaleFrame(t *testing.T) {
	t.Parallel()
	counter := NewCounter(testConfig())

	_, err := counter.Evaluate(tracking.LiveSet{})
	assert.True(t, errors.Is(err, ErrStaleFrame), "no update yet")

	tracker := tracking.NewTracker(tracking.DefaultTrackerConfig(), timeutil.NewMockClock(t0))
	live := tracker.Update(nil, t0)
	_, err = counter.Evaluate(live)
	require.NoError(t, err)

	_, err = counter.Evaluate(live)
	assert.ErrorIs(t, err, ErrStaleFrame, "same generation twice")
}

func TestEvaluate_EventFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	fixed := uuid.MustParse("6f1c2a9e-0000-4000-8000-000000000001")
	h.counter.newID = func() uuid.UUID { return fixed }

	var events []CrossingEvent
	for _, x := range []float64{400, 450, 500, 550, 600, 650, 700} {
		events = append(events, h.step(t, x)...)
	}

	want := []CrossingEvent{{
		EventID:   fixed,
		TrackID:   1,
		Direction: DirectionExit,
		Timestamp: t0.Add(600 * time.Millisecond),
		StartX:    400,
		EndX:      650,
		Frame:     6,
		Counts:    Counts{Exits: 1, Occupancy: 0},
	}}
	if diff := cmp.Diff(want, events, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestReset_ZerosCountsAndRearmsTracks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for x := 900.0; x >= 500; x -= 50 {
		h.step(t, x)
	}
	require.Equal(t, int64(1), h.counter.Counts().Entries)

	before := h.counter.Reset(h.tracker.Live())
	assert.Equal(t, Counts{Entries: 1, Occupancy: 1}, before)
	assert.Equal(t, Counts{}, h.counter.Counts())

	live := h.tracker.Live()
	require.Len(t, live, 1, "reset does not destroy tracks")
	assert.False(t, live[0].Crossed)

	// The re-armed track still spans the boundary, so it is counted again.
	events := h.step(t, 450)
	require.Len(t, events, 1)
	assert.Equal(t, Counts{Entries: 1, Occupancy: 1}, events[0].Counts)
}

func TestRestore(t *testing.T) {
	t.Parallel()
	counter := NewCounter(testConfig())

	counter.Restore(Counts{Entries: 12, Exits: 5, Occupancy: 7})
	assert.Equal(t, Counts{Entries: 12, Exits: 5, Occupancy: 7}, counter.Counts())

	counter.Restore(Counts{Entries: 1, Exits: 3, Occupancy: -2})
	assert.Equal(t, Counts{Entries: 1, Exits: 3, Occupancy: 0}, counter.Counts())
}

func TestOccupancyFlooredAtZero(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Someone already inside walks out before anyone was counted in.
	for x := 300.0; x <= 800; x += 50 {
		h.step(t, x)
	}
	assert.Equal(t, Counts{Exits: 1, Occupancy: 0}, h.counter.Counts())
	for i := 0; i < 16; i++ {
		h.step(t)
	}

	for x := 900.0; x >= 400; x -= 50 {
		h.step(t, x)
	}
	assert.Equal(t, Counts{Entries: 1, Exits: 1, Occupancy: 1}, h.counter.Counts())
}

func TestOccupancyBoundedByTracks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	walkers := []Direction{
		DirectionExit, DirectionExit, DirectionEntry, DirectionExit, DirectionEntry,
		DirectionEntry, DirectionExit, DirectionExit, DirectionExit, DirectionEntry,
	}
	var wantOccupancy int64
	for _, dir := range walkers {
		for i := 0; i < 8; i++ {
			x := 300 + float64(i)*60
			if dir == DirectionEntry {
				x = 900 - float64(i)*60
			}
			h.step(t, x)

			c := h.counter.Counts()
			created := h.tracker.Stats().TracksCreated
			if c.Occupancy < 0 || c.Occupancy > created {
				t.Fatalf("occupancy %d outside [0, %d] after frame %d", c.Occupancy, created, h.frame)
			}
		}
		// Leave the frame so the next walker starts a fresh track.
		for i := 0; i < 16; i++ {
			h.step(t)
		}

		if dir == DirectionEntry {
			wantOccupancy++
		} else {
			wantOccupancy = max(0, wantOccupancy-1)
		}
	}

	assert.Equal(t, Counts{Entries: 4, Exits: 6, Occupancy: wantOccupancy}, h.counter.Counts())
}
