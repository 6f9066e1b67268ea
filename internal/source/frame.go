// Package source decodes detection frames from the external detector and
// delivers them to the counting pipeline.
//
// The wire format is one JSON object per frame:
//
//	{"frame": 42, "ts": "2026-03-01T09:00:00.1Z", "width": 1280, "height": 720,
//	 "boxes": [[x, y, w, h], ...]}
//
// Frames arrive newline-delimited on a stream (stdin, file, serial port) or
// one per datagram over UDP.
package source

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/occupancy.report/internal/geom"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/tracking"
)

var logf = monitoring.Component("source")

// Frame is one detector frame. Index is assigned by the detector and
// increases monotonically; zero means unnumbered.
type Frame struct {
	Index     uint64
	Timestamp time.Time
	Width     int
	Height    int
	Boxes     []geom.Box
}

type wireFrame struct {
	Index     uint64      `json:"frame"`
	Timestamp time.Time   `json:"ts"`
	Width     int         `json:"width,omitempty"`
	Height    int         `json:"height,omitempty"`
	Boxes     [][]float64 `json:"boxes"`
}

// Detections converts the frame's boxes into tracker detections. Geometry
// is not validated here; the tracker rejects malformed boxes itself.
func (f Frame) Detections() []tracking.Detection {
	dets := make([]tracking.Detection, len(f.Boxes))
	for i, b := range f.Boxes {
		dets[i] = tracking.NewDetection(b)
	}
	return dets
}

// DecodeFrame parses a single JSON frame.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	f := Frame{
		Index:     w.Index,
		Timestamp: w.Timestamp,
		Width:     w.Width,
		Height:    w.Height,
		Boxes:     make([]geom.Box, 0, len(w.Boxes)),
	}
	for i, b := range w.Boxes {
		if len(b) != 4 {
			return Frame{}, fmt.Errorf("frame %d box %d: expected [x,y,w,h], got %d values", w.Index, i, len(b))
		}
		f.Boxes = append(f.Boxes, geom.Box{X: b[0], Y: b[1], Width: b[2], Height: b[3]})
	}
	return f, nil
}

// MarshalJSON encodes the frame in wire format.
func (f Frame) MarshalJSON() ([]byte, error) {
	w := wireFrame{
		Index:     f.Index,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Boxes:     make([][]float64, len(f.Boxes)),
	}
	for i, b := range f.Boxes {
		w.Boxes[i] = []float64{b.X, b.Y, b.Width, b.Height}
	}
	return json.Marshal(w)
}
