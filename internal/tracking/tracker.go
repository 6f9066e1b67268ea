package tracking

import (
	"sort"
	"time"

	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/geom"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

var logf = monitoring.Component("tracker")

// TrackerConfig holds configuration parameters for the tracker.
type TrackerConfig struct {
	MaxDistance    float64 // Maximum centroid distance for association (pixels)
	MaxDisappeared int     // Consecutive misses tolerated before eviction
	HistoryLength  int     // Trajectory window N (centroids kept per track)
}

// DefaultTrackerConfig returns the built-in tracker defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfigFromCounting(config.EmptyConfig())
}

// TrackerConfigFromCounting builds a TrackerConfig from a loaded CountingConfig.
func TrackerConfigFromCounting(cfg *config.CountingConfig) TrackerConfig {
	return TrackerConfig{
		MaxDistance:    cfg.GetMaxDistance(),
		MaxDisappeared: cfg.GetMaxDisappeared(),
		HistoryLength:  cfg.GetTrajectoryWindow(),
	}
}

// Detection is one bounding box from the external detector. It carries no identity.
type Detection struct {
	Box      geom.Box
	Centroid geom.Point
}

// NewDetection builds a Detection whose centroid is the box centre.
func NewDetection(b geom.Box) Detection {
	return Detection{Box: b, Centroid: b.Centroid()}
}

// Track is a detection lineage with a persistent identity.
type Track struct {
	ID        int64        `json:"id"`
	History   []geom.Point `json:"history"` // most recent last, len in [1, HistoryLength]
	Box       geom.Box     `json:"box"`     // latest matched box
	Misses    int          `json:"misses"`  // consecutive frames without a match
	Crossed   bool         `json:"crossed"` // owned by the counting package
	CreatedAt time.Time    `json:"created_at"`
	LastSeen  time.Time    `json:"last_seen"`
}

// Centroid returns the most recent centroid.
func (t *Track) Centroid() geom.Point {
	return t.History[len(t.History)-1]
}

// clone returns a deep copy safe to hand to readers outside the pipeline.
func (t *Track) clone() Track {
	c := *t
	c.History = append([]geom.Point(nil), t.History...)
	return c
}

// LiveSet is the result of one Update call: the live tracks after this
// frame, ordered by ascending ID. Generation increases by one per Update
// so consumers can detect being handed the same frame twice.
type LiveSet struct {
	Generation uint64
	Timestamp  time.Time
	Tracks     []*Track
}

// TrackerStats reports the tracker's lifetime and current counters.
type TrackerStats struct {
	Live               int   `json:"live"`
	Visible            int   `json:"visible"`  // matched this frame
	Coasting           int   `json:"coasting"` // live but unmatched this frame
	NextID             int64 `json:"next_id"`
	TracksCreated      int64 `json:"tracks_created"`
	TracksEvicted      int64 `json:"tracks_evicted"`
	RejectedDetections int64 `json:"rejected_detections"`
}

// Tracker assigns stable identities to detections across frames.
//
// A Tracker is not safe for concurrent use. The pipeline serialises every
// call, and the *Track values in a LiveSet must only be touched from the
// goroutine that called Update.
type Tracker struct {
	Config TrackerConfig

	tracks     map[int64]*Track
	nextID     int64
	generation uint64
	clock      timeutil.Clock

	tracksCreated int64
	tracksEvicted int64
	rejected      int64
}

// NewTracker creates a new tracker with the specified configuration.
// A nil clock uses the wall clock.
func NewTracker(cfg TrackerConfig, clock timeutil.Clock) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{
		Config: cfg,
		tracks: make(map[int64]*Track),
		nextID: 1,
		clock:  clock,
	}
}

type candidate struct {
	trackID  int64
	detIdx   int
	distance float64
}

// Update associates this frame's detections with live tracks and returns
// the live set. Malformed detections are dropped and counted; they never
// abort the frame. A zero timestamp is replaced by the tracker clock.
func (t *Tracker) Update(dets []Detection, timestamp time.Time) LiveSet {
	if timestamp.IsZero() {
		timestamp = t.clock.Now()
	}
	t.generation++

	valid := make([]Detection, 0, len(dets))
	for i, d := range dets {
		if err := d.Box.Validate(); err != nil {
			t.rejected++
			logf("dropping detection %d in generation %d: %v", i, t.generation, err)
			continue
		}
		valid = append(valid, d)
	}

	ids := t.sortedIDs()

	// Step 1-2: every in-range (track, detection) pair, ordered by distance
	// then track id then detection index.
	candidates := make([]candidate, 0, len(ids)*len(valid))
	for _, id := range ids {
		last := t.tracks[id].Centroid()
		for j, d := range valid {
			dist := geom.Distance(last, d.Centroid)
			if dist <= t.Config.MaxDistance {
				candidates = append(candidates, candidate{trackID: id, detIdx: j, distance: dist})
			}
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.distance != cb.distance {
			return ca.distance < cb.distance
		}
		if ca.trackID != cb.trackID {
			return ca.trackID < cb.trackID
		}
		return ca.detIdx < cb.detIdx
	})

	// Step 3: greedy commit.
	matchedTracks := make(map[int64]bool, len(ids))
	usedDets := make([]bool, len(valid))
	for _, c := range candidates {
		if matchedTracks[c.trackID] || usedDets[c.detIdx] {
			continue
		}
		matchedTracks[c.trackID] = true
		usedDets[c.detIdx] = true
		t.observe(t.tracks[c.trackID], valid[c.detIdx], timestamp)
	}

	// Step 5-6: unmatched tracks coast, and are evicted once they have
	// missed more than MaxDisappeared consecutive frames.
	for _, id := range ids {
		if matchedTracks[id] {
			continue
		}
		track := t.tracks[id]
		track.Misses++
		if track.Misses > t.Config.MaxDisappeared {
			delete(t.tracks, id)
			t.tracksEvicted++
			logf("evicted track %d after %d missed frames (crossed=%v)", id, track.Misses, track.Crossed)
		}
	}

	// Step 4: unmatched detections open new tracks, in detection order.
	for j, d := range valid {
		if !usedDets[j] {
			t.register(d, timestamp)
		}
	}

	return LiveSet{
		Generation: t.generation,
		Timestamp:  timestamp,
		Tracks:     t.liveTracks(),
	}
}

// observe applies a matched detection to a track.
func (t *Tracker) observe(track *Track, d Detection, ts time.Time) {
	track.Misses = 0
	track.Box = d.Box
	track.LastSeen = ts
	track.History = append(track.History, d.Centroid)
	if n := t.Config.HistoryLength; n > 0 && len(track.History) > n {
		track.History = track.History[len(track.History)-n:]
	}
}

func (t *Tracker) register(d Detection, ts time.Time) *Track {
	track := &Track{
		ID:        t.nextID,
		History:   []geom.Point{d.Centroid},
		Box:       d.Box,
		CreatedAt: ts,
		LastSeen:  ts,
	}
	t.tracks[track.ID] = track
	t.nextID++
	t.tracksCreated++
	return track
}

func (t *Tracker) sortedIDs() []int64 {
	ids := make([]int64, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

func (t *Tracker) liveTracks() []*Track {
	ids := t.sortedIDs()
	out := make([]*Track, len(ids))
	for i, id := range ids {
		out[i] = t.tracks[id]
	}
	return out
}

// Live returns the current live tracks without advancing the generation.
func (t *Tracker) Live() []*Track {
	return t.liveTracks()
}

// Generation returns the number of Update calls so far.
func (t *Tracker) Generation() uint64 {
	return t.generation
}

// Snapshot returns deep copies of the live tracks ordered by ID.
func (t *Tracker) Snapshot() []Track {
	live := t.liveTracks()
	out := make([]Track, len(live))
	for i, tr := range live {
		out[i] = tr.clone()
	}
	return out
}

// Trajectory returns a copy of a track's retained centroids, or nil if
// the track is not live.
func (t *Tracker) Trajectory(id int64) []geom.Point {
	track, ok := t.tracks[id]
	if !ok {
		return nil
	}
	return append([]geom.Point(nil), track.History...)
}

// Direction estimates a track's unit heading over its last frames
// centroids. It reports ok=false for unknown tracks, single-point
// histories and movement of 5px or less.
func (t *Tracker) Direction(id int64, frames int) (dx, dy float64, ok bool) {
	track, found := t.tracks[id]
	if !found || len(track.History) < 2 {
		return 0, 0, false
	}
	recent := track.History
	if frames >= 2 && len(recent) > frames {
		recent = recent[len(recent)-frames:]
	}
	return geom.Direction(recent[0], recent[len(recent)-1], 5)
}

// UpdateConfig applies fn to the tracker configuration. A shorter history
// window is applied to live tracks immediately.
func (t *Tracker) UpdateConfig(fn func(*TrackerConfig)) {
	fn(&t.Config)
	if n := t.Config.HistoryLength; n > 0 {
		for _, track := range t.tracks {
			if len(track.History) > n {
				track.History = append([]geom.Point(nil), track.History[len(track.History)-n:]...)
			}
		}
	}
}

// Stats returns the tracker counters.
func (t *Tracker) Stats() TrackerStats {
	s := TrackerStats{
		Live:               len(t.tracks),
		NextID:             t.nextID,
		TracksCreated:      t.tracksCreated,
		TracksEvicted:      t.tracksEvicted,
		RejectedDetections: t.rejected,
	}
	for _, track := range t.tracks {
		if track.Misses == 0 {
			s.Visible++
		} else {
			s.Coasting++
		}
	}
	return s
}
