package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/occupancy.report/internal/alerts"
	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/counting"
	"github.com/banshee-data/occupancy.report/internal/db"
	"github.com/banshee-data/occupancy.report/internal/geom"
	"github.com/banshee-data/occupancy.report/internal/httputil"
	"github.com/banshee-data/occupancy.report/internal/pipeline"
	"github.com/banshee-data/occupancy.report/internal/report"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
	"github.com/banshee-data/occupancy.report/internal/version"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxBodyBytes      = 64 << 10
)

type healthResponse struct {
	Status    string               `json:"status"`
	Version   string               `json:"version"`
	GitSHA    string               `json:"git_sha"`
	Uptime    string               `json:"uptime"`
	Pipeline  pipeline.Stats       `json:"pipeline"`
	Writer    *db.EventWriterStats `json:"writer,omitempty"`
	Alerts    *alerts.Stats        `json:"alerts,omitempty"`
	CheckedAt time.Time            `json:"checked_at"`
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	now := s.clock.Now()
	resp := healthResponse{
		Status:    "ok",
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		Uptime:    now.Sub(s.started).Truncate(time.Second).String(),
		Pipeline:  s.pipeline.Stats(),
		CheckedAt: now,
	}
	if s.writer != nil {
		ws := s.writer.Stats()
		resp.Writer = &ws
	}
	if s.alerts != nil {
		as := s.alerts.Stats()
		resp.Alerts = &as
	}
	if err := s.db.PingContext(r.Context()); err != nil {
		resp.Status = "degraded"
		logf("health: database ping failed: %v", err)
	}
	httputil.WriteJSONOK(w, resp)
}

type countsResponse struct {
	counting.Counts
	FrameIndex uint64    `json:"frame_index"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Server) showCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.pipeline.Snapshot()
	httputil.WriteJSONOK(w, countsResponse{
		Counts:     snap.Counts,
		FrameIndex: snap.FrameIndex,
		UpdatedAt:  snap.UpdatedAt,
	})
}

// trackView is the public shape of a live track.
type trackView struct {
	ID       int64      `json:"id"`
	Centroid geom.Point `json:"centroid"`
	Box      geom.Box   `json:"box"`
	Misses   int        `json:"misses"`
	Crossed  bool       `json:"crossed"`
	Points   int        `json:"points"`
	LastSeen time.Time  `json:"last_seen"`
}

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.pipeline.Snapshot()
	views := make([]trackView, 0, len(snap.Tracks))
	for i := range snap.Tracks {
		t := &snap.Tracks[i]
		views = append(views, trackView{
			ID:       t.ID,
			Centroid: t.Centroid(),
			Box:      t.Box,
			Misses:   t.Misses,
			Crossed:  t.Crossed,
			Points:   len(t.History),
			LastSeen: t.LastSeen,
		})
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"frame_index": snap.FrameIndex,
		"tracks":      views,
	})
}

// location returns the zone named by the tz query parameter, or the
// server's location when it is absent.
func (s *Server) location(r *http.Request) (*time.Location, error) {
	tz := r.URL.Query().Get("tz")
	if tz == "" {
		return s.loc, nil
	}
	loc, err := timeutil.LoadZone(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid 'tz' parameter: %q", tz)
	}
	return loc, nil
}

// parseDay reads the date query parameter (YYYY-MM-DD), defaulting to
// today. Day boundaries follow the tz parameter or the server's location.
func (s *Server) parseDay(r *http.Request) (time.Time, error) {
	loc, err := s.location(r)
	if err != nil {
		return time.Time{}, err
	}

	v := r.URL.Query().Get("date")
	if v == "" {
		return s.clock.Now().In(loc), nil
	}
	day, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid 'date' parameter, expected YYYY-MM-DD: %q", v)
	}
	return day, nil
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()

	// A whole day defaults to the cap rather than the recent-events page.
	limit := defaultEventLimit
	if q.Get("date") != "" {
		limit = maxEventLimit
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = min(n, maxEventLimit)
	}

	loc, err := s.location(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	var events []counting.CrossingEvent
	if q.Get("date") != "" {
		day, perr := s.parseDay(r)
		if perr != nil {
			httputil.BadRequest(w, perr.Error())
			return
		}
		y, m, d := day.Date()
		start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
		events, err = s.db.EventsBetween(r.Context(), start, start.AddDate(0, 0, 1))
		if len(events) > limit {
			events = events[:limit]
		}
	} else {
		events, err = s.db.RecentEvents(r.Context(), limit)
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load events: %v", err))
		return
	}

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=crossing_events.csv")
		if err := report.WriteCSV(w, events, loc); err != nil {
			logf("failed to write csv: %v", err)
		}
		return
	}
	httputil.WriteJSONOK(w, events)
}

type resetRequest struct {
	Notes string `json:"notes"`
}

type resetResponse struct {
	ResetID int64           `json:"reset_id"`
	Before  counting.Counts `json:"before"`
	Counts  counting.Counts `json:"counts"`
	Cleared int             `json:"alerts_cleared"`
}

func (s *Server) resetCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req resetRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.BadRequest(w, "failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
			return
		}
	}

	before, lastSeq := s.pipeline.Reset()
	id, err := s.db.RecordReset(r.Context(), s.clock.Now(), lastSeq, before, req.Notes)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("counts reset but not recorded: %v", err))
		return
	}
	resp := resetResponse{ResetID: id, Before: before, Counts: s.pipeline.Counts()}
	if s.alerts != nil {
		resp.Cleared = len(s.alerts.Clear())
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.pipeline.Config())
	case http.MethodPut, http.MethodPost:
		s.updateConfig(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// updateConfig merges the request body over the current configuration and
// applies it to the pipeline and alert manager.
func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	current, err := json.Marshal(s.pipeline.Config())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	// Start from a deep copy so decoding never writes through the live
	// config's pointers.
	next := config.EmptyConfig()
	if err := json.Unmarshal(current, next); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(next); err != nil {
		if errors.Is(err, io.EOF) {
			httputil.BadRequest(w, "empty request body")
			return
		}
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	if err := s.pipeline.ApplyConfig(next); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if s.alerts != nil {
		s.alerts.UpdateConfig(alerts.ConfigFromCounting(next))
	}
	httputil.WriteJSONOK(w, next)
}

func (s *Server) showDailyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	day, err := s.parseDay(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	stats, err := s.db.DailyStats(r.Context(), day)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to compute daily stats: %v", err))
		return
	}
	httputil.WriteJSONOK(w, stats)
}

func (s *Server) hourly(w http.ResponseWriter, r *http.Request) (time.Time, []db.HourBucket, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return time.Time{}, nil, false
	}
	day, err := s.parseDay(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return time.Time{}, nil, false
	}
	buckets, err := s.db.HourlyDistribution(r.Context(), day)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to compute hourly stats: %v", err))
		return time.Time{}, nil, false
	}
	return day, buckets, true
}

func (s *Server) showHourlyStats(w http.ResponseWriter, r *http.Request) {
	day, buckets, ok := s.hourly(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"date":  day.Format("2006-01-02"),
		"hours": buckets,
	})
}

func (s *Server) showHourlyPlot(w http.ResponseWriter, r *http.Request) {
	day, buckets, ok := s.hourly(w, r)
	if !ok {
		return
	}
	png, err := report.HourlyPlot("Crossings per hour, "+day.Format("2006-01-02"), buckets)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

type alertsResponse struct {
	Active []alerts.Alert `json:"active"`
	Recent []alerts.Alert `json:"recent"`
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}

	recent, err := s.db.RecentAlerts(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load alerts: %v", err))
		return
	}
	resp := alertsResponse{Active: []alerts.Alert{}, Recent: recent}
	if s.alerts != nil {
		resp.Active = s.alerts.Active()
	}
	httputil.WriteJSONOK(w, resp)
}
