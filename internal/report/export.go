package report

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/occupancy.report/internal/counting"
	"github.com/banshee-data/occupancy.report/internal/db"
	"github.com/banshee-data/occupancy.report/internal/fsutil"
	"github.com/banshee-data/occupancy.report/internal/security"
)

// Store is the read side of the database an export needs.
type Store interface {
	EventsBetween(ctx context.Context, start, end time.Time) ([]counting.CrossingEvent, error)
	HourlyDistribution(ctx context.Context, day time.Time) ([]db.HourBucket, error)
}

// Exporter writes one day of crossings into Dir as a CSV of events and a
// PNG of the hourly distribution.
type Exporter struct {
	Store Store
	FS    fsutil.FileSystem
	Dir   string
	// Label prefixes file names, typically the entrance or site name.
	Label string
}

// NewExporter returns an Exporter writing to the local filesystem.
func NewExporter(store Store, dir, label string) *Exporter {
	return &Exporter{Store: store, FS: fsutil.OSFileSystem{}, Dir: dir, Label: label}
}

// ExportDay writes the files for the calendar day containing day, in
// day's location, and returns their paths.
func (e *Exporter) ExportDay(ctx context.Context, day time.Time) ([]string, error) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	date := start.Format("2006-01-02")

	events, err := e.Store.EventsBetween(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", date, err)
	}
	buckets, err := e.Store.HourlyDistribution(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("failed to load hourly stats for %s: %w", date, err)
	}

	var csvBuf bytes.Buffer
	if err := WriteCSV(&csvBuf, events, day.Location()); err != nil {
		return nil, err
	}
	png, err := HourlyPlot(fmt.Sprintf("%s crossings per hour, %s", e.Label, date), buckets)
	if err != nil {
		return nil, err
	}

	if err := e.FS.MkdirAll(e.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	base := security.SanitizeFilename(e.Label + "_" + date)
	files := []struct {
		name string
		data []byte
	}{
		{base + "_events.csv", csvBuf.Bytes()},
		{base + "_hourly.png", png},
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(e.Dir, f.name)
		if err := security.ValidatePathWithinDirectory(path, e.Dir); err != nil {
			return paths, err
		}
		if err := e.FS.WriteFile(path, f.data, 0o644); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", path, err)
		}
		logf("exported %d events to %s", len(events), path)
		paths = append(paths, path)
	}
	return paths, nil
}
