// Package api serves the live counts, tracks, stored events, daily reports
// and alerts over HTTP.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/occupancy.report/internal/alerts"
	"github.com/banshee-data/occupancy.report/internal/db"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/pipeline"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

var logf = monitoring.Component("api")

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes a running pipeline and its database.
type Server struct {
	pipeline *pipeline.Pipeline
	db       *db.DB
	alerts   *alerts.Manager
	writer   *db.EventWriter
	clock    timeutil.Clock
	loc      *time.Location
	started  time.Time
}

// Options configures optional Server dependencies.
type Options struct {
	Alerts   *alerts.Manager // active alerts for /api/alerts; may be nil
	Writer   *db.EventWriter // reported by /api/health when set
	Clock    timeutil.Clock  // defaults to the wall clock
	Location *time.Location  // day boundaries for stats; defaults to time.Local
}

// NewServer creates a server over p and store.
func NewServer(p *pipeline.Pipeline, store *db.DB, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Server{
		pipeline: p,
		db:       store,
		alerts:   opts.Alerts,
		writer:   opts.Writer,
		clock:    opts.Clock,
		loc:      opts.Location,
		started:  opts.Clock.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with every API route registered.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.showHealth)
	mux.HandleFunc("/api/counts", s.showCounts)
	mux.HandleFunc("/api/tracks", s.listTracks)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/reset", s.resetCounts)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/stats/daily", s.showDailyStats)
	mux.HandleFunc("/api/stats/hourly", s.showHourlyStats)
	mux.HandleFunc("/api/charts/hourly", s.showHourlyChart)
	mux.HandleFunc("/api/report/hourly.png", s.showHourlyPlot)
	mux.HandleFunc("/api/alerts", s.listAlerts)
	return mux
}
