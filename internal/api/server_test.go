package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occupancy.report/internal/alerts"
	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/counting"
	"github.com/banshee-data/occupancy.report/internal/db"
	"github.com/banshee-data/occupancy.report/internal/geom"
	"github.com/banshee-data/occupancy.report/internal/pipeline"
	"github.com/banshee-data/occupancy.report/internal/source"
	"github.com/banshee-data/occupancy.report/internal/testutil"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	srv    *Server
	mux    http.Handler
	p      *pipeline.Pipeline
	db     *db.DB
	alerts *alerts.Manager
	clock  *timeutil.MockClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := timeutil.NewMockClock(t0)
	cfg := config.EmptyConfig()
	cfg.FrameWidth = config.Int(1280)
	cfg.MovementThreshold = config.Float64(80)
	cfg.MovementThresholdFraction = config.Float64(0)
	p, err := pipeline.New(cfg, clock)
	require.NoError(t, err)

	store, err := db.NewDB(filepath.Join(t.TempDir(), "occupancy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	am := alerts.NewManager(alerts.Config{CrowdLimit: 10, WarningRatio: 0.8, Cooldown: time.Minute}, store, clock)
	srv := NewServer(p, store, Options{Alerts: am, Writer: db.NewEventWriter(store), Clock: clock, Location: time.UTC})
	return &fixture{srv: srv, mux: srv.ServeMux(), p: p, db: store, alerts: am, clock: clock}
}

// walkIn moves one person from right to left across the default boundary
// and stores the resulting events.
func (f *fixture) walkIn(t *testing.T, from uint64) []counting.CrossingEvent {
	t.Helper()
	var events []counting.CrossingEvent
	for i, x := range []float64{900, 850, 800, 750, 700, 650, 600} {
		idx := from + uint64(i)
		evs, err := f.p.ProcessFrame(source.Frame{
			Index:     idx,
			Timestamp: t0.Add(time.Duration(idx) * 100 * time.Millisecond),
			Width:     1280,
			Height:    720,
			Boxes:     []geom.Box{{X: x - 20, Y: 260, Width: 40, Height: 80}},
		})
		require.NoError(t, err)
		events = append(events, evs...)
	}
	require.Len(t, events, 1)
	require.NoError(t, f.db.RecordEvents(context.Background(), events))
	return events
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	return testutil.Serve(f.mux, testutil.NewTestRequest(method, path, body))
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.clock.Advance(90 * time.Second)

	rec := f.do(http.MethodGet, "/api/health", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	resp := testutil.DecodeJSON[map[string]interface{}](t, rec)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "dev", resp["version"])
	assert.Equal(t, "1m30s", resp["uptime"])
	assert.Contains(t, resp, "pipeline")
	assert.Contains(t, resp, "writer")
	assert.Contains(t, resp, "alerts")
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/counts"},
		{http.MethodPost, "/api/tracks"},
		{http.MethodDelete, "/api/events"},
		{http.MethodGet, "/api/reset"},
		{http.MethodDelete, "/api/config"},
		{http.MethodPost, "/api/stats/daily"},
		{http.MethodPost, "/api/stats/hourly"},
		{http.MethodPost, "/api/alerts"},
	} {
		rec := f.do(tc.method, tc.path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestCountsAndTracks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.walkIn(t, 1)

	rec := f.do(http.MethodGet, "/api/counts", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	counts := testutil.DecodeJSON[countsResponse](t, rec)
	assert.Equal(t, counting.Counts{Entries: 1, Occupancy: 1}, counts.Counts)
	assert.Equal(t, uint64(7), counts.FrameIndex)

	rec = f.do(http.MethodGet, "/api/tracks", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	tracks := testutil.DecodeJSON[struct {
		FrameIndex uint64      `json:"frame_index"`
		Tracks     []trackView `json:"tracks"`
	}](t, rec)
	require.Len(t, tracks.Tracks, 1)
	assert.Equal(t, int64(1), tracks.Tracks[0].ID)
	assert.True(t, tracks.Tracks[0].Crossed)
	assert.Equal(t, geom.Point{X: 600, Y: 300}, tracks.Tracks[0].Centroid)
}

func TestListEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	stored := f.walkIn(t, 1)

	rec := f.do(http.MethodGet, "/api/events?limit=5", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	events := testutil.DecodeJSON[[]counting.CrossingEvent](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, stored[0].EventID, events[0].EventID)
	assert.Equal(t, counting.DirectionEntry, events[0].Direction)

	rec = f.do(http.MethodGet, "/api/events?date=2026-03-02", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Empty(t, testutil.DecodeJSON[[]counting.CrossingEvent](t, rec))

	rec = f.do(http.MethodGet, "/api/events?limit=zero", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = f.do(http.MethodGet, "/api/events?date=yesterday", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestListEvents_CSV(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	stored := f.walkIn(t, 1)

	rec := f.do(http.MethodGet, "/api/events?format=csv&date=2026-03-01", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "event_id", rows[0][0])
	assert.Equal(t, stored[0].EventID.String(), rows[1][0])
	assert.Equal(t, "entry", rows[1][3])
}

func TestListEvents_DayHonoursLimitAndZone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	stored := f.walkIn(t, 1)
	require.NoError(t, f.db.RecordEvents(context.Background(), []counting.CrossingEvent{{
		EventID:   uuid.New(),
		TrackID:   2,
		Direction: counting.DirectionExit,
		Timestamp: t0.Add(time.Hour),
		StartX:    500,
		EndX:      900,
		Frame:     36000,
		Seq:       2,
		Counts:    counting.Counts{Entries: 1, Exits: 1},
	}}))

	rec := f.do(http.MethodGet, "/api/events?date=2026-03-01", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	require.Len(t, testutil.DecodeJSON[[]counting.CrossingEvent](t, rec), 2)

	rec = f.do(http.MethodGet, "/api/events?date=2026-03-01&limit=1", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	events := testutil.DecodeJSON[[]counting.CrossingEvent](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, stored[0].EventID, events[0].EventID)

	rec = f.do(http.MethodGet, "/api/events?format=csv&date=2026-03-01&limit=1&tz=Asia/Tokyo", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, stored[0].Timestamp.In(mustZone(t, "Asia/Tokyo")).Format(time.RFC3339Nano), rows[1][1])
	assert.True(t, strings.HasSuffix(rows[1][1], "+09:00"), rows[1][1])

	rec = f.do(http.MethodGet, "/api/events?format=csv&tz=Mars/Olympus", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := timeutil.LoadZone(name)
	require.NoError(t, err)
	return loc
}

func TestResetCounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.walkIn(t, 1)
	f.alerts.Check(9)
	f.clock.Advance(time.Minute)

	rec := f.do(http.MethodPost, "/api/reset", `{"notes":"start of shift"}`)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	resp := testutil.DecodeJSON[resetResponse](t, rec)
	assert.Equal(t, counting.Counts{Entries: 1, Occupancy: 1}, resp.Before)
	assert.Equal(t, counting.Counts{}, resp.Counts)
	assert.Equal(t, 1, resp.Cleared)
	assert.Equal(t, int64(1), resp.ResetID)

	assert.Equal(t, counting.Counts{}, f.p.Counts())
	assert.Empty(t, f.alerts.Active())

	resets, err := f.db.RecentResets(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, resets, 1)
	assert.Equal(t, "start of shift", resets[0].Notes)
	assert.Equal(t, t0.Add(time.Minute), resets[0].Timestamp)

	assert.Equal(t, uint64(1), resets[0].LastSeq)

	current, _, err := f.db.CurrentCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, counting.Counts{}, current, "reset recorded after the stored event")

	// The re-armed track crosses again. Its detector timestamp is older
	// than the server time stamped on the reset, yet it still counts after
	// a restart.
	evs, err := f.p.ProcessFrame(source.Frame{
		Index:     8,
		Timestamp: t0.Add(800 * time.Millisecond),
		Width:     1280,
		Boxes:     []geom.Box{{X: 560, Y: 260, Width: 40, Height: 80}},
	})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(2), evs[0].Seq)
	require.NoError(t, f.db.RecordEvents(context.Background(), evs))

	current, seq, err := f.db.CurrentCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, counting.Counts{Entries: 1, Occupancy: 1}, current)
	assert.Equal(t, uint64(2), seq)
}

func TestResetCounts_BodyOptionalButMustBeJSON(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/reset", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = f.do(http.MethodPost, "/api/reset", "notes=plain")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/config", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	got := testutil.DecodeJSON[config.CountingConfig](t, rec)
	require.NotNil(t, got.FrameWidth)
	assert.Equal(t, 1280, *got.FrameWidth)

	before := f.p.Config()
	rec = f.do(http.MethodPut, "/api/config", `{"boundary_x": 400, "crowd_limit": 25}`)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, 400.0, f.p.Config().GetBoundaryX())
	assert.Equal(t, 80.0, f.p.Config().GetMovementThreshold(), "unspecified fields are kept")
	assert.Equal(t, 25, f.alerts.Stats().CrowdLimit)
	assert.Nil(t, before.BoundaryX, "previous config is not mutated")
}

func TestConfig_Rejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for name, body := range map[string]string{
		"outside frame": `{"boundary_x": 5000}`,
		"unknown field": `{"boundary": 400}`,
		"not json":      `boundary_x=400`,
		"empty":         ``,
	} {
		rec := f.do(http.MethodPut, "/api/config", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.Equal(t, 640.0, f.p.Config().GetBoundaryX())
}

func TestDailyAndHourlyStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.walkIn(t, 1)

	rec := f.do(http.MethodGet, "/api/stats/daily?date=2026-03-01", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	daily := testutil.DecodeJSON[db.DailyStats](t, rec)
	assert.Equal(t, "2026-03-01", daily.Date)
	assert.Equal(t, int64(1), daily.Entries)
	assert.Equal(t, int64(1), daily.PeakOccupancy)

	// No date means today on the server clock.
	rec = f.do(http.MethodGet, "/api/stats/hourly", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	hourly := testutil.DecodeJSON[struct {
		Date  string          `json:"date"`
		Hours []db.HourBucket `json:"hours"`
	}](t, rec)
	assert.Equal(t, "2026-03-01", hourly.Date)
	require.Len(t, hourly.Hours, 24)
	assert.Equal(t, db.HourBucket{Hour: 9, Entries: 1}, hourly.Hours[9])

	rec = f.do(http.MethodGet, "/api/stats/daily?date=03/01/2026", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestHourlyChartAndPlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.walkIn(t, 1)

	rec := f.do(http.MethodGet, "/api/charts/hourly?date=2026-03-01", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Crossings per hour")
	assert.Contains(t, rec.Body.String(), "2026-03-01, 1 crossings")

	rec = f.do(http.MethodGet, "/api/report/hourly.png?date=2026-03-01", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	assert.NoError(t, err)
}

func TestListAlerts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	raised := f.alerts.Check(10)
	require.Len(t, raised, 2)

	rec := f.do(http.MethodGet, "/api/alerts", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	resp := testutil.DecodeJSON[alertsResponse](t, rec)
	require.Len(t, resp.Active, 2)
	assert.Equal(t, alerts.LevelCritical, resp.Active[1].Level)
	require.Len(t, resp.Recent, 2)
	assert.True(t, strings.HasPrefix(resp.Recent[0].Message, "CROWD LIMIT EXCEEDED"))

	rec = f.do(http.MethodGet, "/api/alerts?limit=-1", "")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := testutil.Serve(LoggingMiddleware(f.mux), testutil.NewTestRequest(http.MethodGet, "/api/nope", ""))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	assert.Equal(t, "\033[1;32m200\033[0m", statusCodeColor(200))
}
