package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/occupancy.report/internal/db"
	"github.com/banshee-data/occupancy.report/internal/httputil"
)

// hourlyBar builds a grouped bar chart of entries and exits per hour.
func hourlyBar(title, subtitle string, buckets []db.HourBucket) *charts.Bar {
	hours := make([]string, len(buckets))
	entries := make([]opts.BarData, len(buckets))
	exits := make([]opts.BarData, len(buckets))
	for i, b := range buckets {
		hours[i] = fmt.Sprintf("%02d:00", b.Hour)
		entries[i] = opts.BarData{Value: b.Entries}
		exits[i] = opts.BarData{Value: b.Exits}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "560px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Hour", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Crossings", NameLocation: "middle", NameGap: 30}),
	)
	bar.SetXAxis(hours).
		AddSeries("Entries", entries).
		AddSeries("Exits", exits)
	return bar
}

// showHourlyChart renders the hourly distribution as an interactive HTML
// page.
func (s *Server) showHourlyChart(w http.ResponseWriter, r *http.Request) {
	day, buckets, ok := s.hourly(w, r)
	if !ok {
		return
	}

	var total int64
	for _, b := range buckets {
		total += b.Entries + b.Exits
	}
	bar := hourlyBar("Crossings per hour", fmt.Sprintf("%s, %d crossings", day.Format("2006-01-02"), total), buckets)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
