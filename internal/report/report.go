// Package report renders stored crossings for people: an hourly bar chart
// as PNG and a CSV export of individual events.
package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"image/color"
	"io"
	"strconv"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/occupancy.report/internal/counting"
	"github.com/banshee-data/occupancy.report/internal/db"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
)

var logf = monitoring.Component("report")

var (
	entryColor = color.RGBA{R: 46, G: 139, B: 87, A: 255}
	exitColor  = color.RGBA{R: 205, G: 92, B: 92, A: 255}
)

// HourlyPlot renders entries and exits per hour as grouped bars and
// returns the PNG bytes.
func HourlyPlot(title string, buckets []db.HourBucket) ([]byte, error) {
	if len(buckets) == 0 {
		return nil, fmt.Errorf("no hourly buckets to plot")
	}

	entries := make(plotter.Values, len(buckets))
	exits := make(plotter.Values, len(buckets))
	labels := make([]string, len(buckets))
	for i, b := range buckets {
		entries[i] = float64(b.Entries)
		exits[i] = float64(b.Exits)
		labels[i] = fmt.Sprintf("%02d", b.Hour)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Hour"
	p.Y.Label.Text = "Crossings"

	barWidth := vg.Points(8)
	entryBars, err := plotter.NewBarChart(entries, barWidth)
	if err != nil {
		return nil, err
	}
	entryBars.Color = entryColor
	entryBars.LineStyle.Width = 0
	entryBars.Offset = -barWidth / 2

	exitBars, err := plotter.NewBarChart(exits, barWidth)
	if err != nil {
		return nil, err
	}
	exitBars.Color = exitColor
	exitBars.LineStyle.Width = 0
	exitBars.Offset = barWidth / 2

	p.Add(entryBars, exitBars)
	p.Legend.Add("Entries", entryBars)
	p.Legend.Add("Exits", exitBars)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.NominalX(labels...)

	wt, err := p.WriterTo(12*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var csvHeader = []string{
	"event_id", "timestamp", "track_id", "direction", "start_x", "end_x",
	"frame", "entries", "exits", "occupancy",
}

// WriteCSV writes events with a header row. Timestamps are RFC 3339 in loc.
func WriteCSV(w io.Writer, events []counting.CrossingEvent, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, ev := range events {
		row := []string{
			ev.EventID.String(),
			ev.Timestamp.In(loc).Format(time.RFC3339Nano),
			strconv.FormatInt(ev.TrackID, 10),
			string(ev.Direction),
			strconv.FormatFloat(ev.StartX, 'f', 1, 64),
			strconv.FormatFloat(ev.EndX, 'f', 1, 64),
			strconv.FormatUint(ev.Frame, 10),
			strconv.FormatInt(ev.Counts.Entries, 10),
			strconv.FormatInt(ev.Counts.Exits, 10),
			strconv.FormatInt(ev.Counts.Occupancy, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
