// Package geom holds the small amount of 2D image-plane geometry shared by
// the tracker and the crossing counter. Coordinates are pixels with the
// origin at the top-left of the frame.
package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Point is a position in pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned bounding box. X and Y locate the top-left corner.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Centroid returns the geometric centre of the box.
func (b Box) Centroid() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Validate reports why a box cannot be tracked, or nil if it can.
// Non-finite coordinates and non-positive dimensions are rejected.
func (b Box) Validate() error {
	for _, v := range [...]float64{b.X, b.Y, b.Width, b.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite box coordinate in %+v", b)
		}
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("degenerate box %gx%g", b.Width, b.Height)
	}
	return nil
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b Point) float64 {
	return floats.Distance([]float64{a.X, a.Y}, []float64{b.X, b.Y}, 2)
}

// Direction returns the unit vector from a to b, or ok=false when the
// points are closer than minMagnitude.
func Direction(a, b Point, minMagnitude float64) (dx, dy float64, ok bool) {
	dx = b.X - a.X
	dy = b.Y - a.Y
	mag := math.Hypot(dx, dy)
	if mag <= minMagnitude || mag == 0 {
		return 0, 0, false
	}
	return dx / mag, dy / mag, true
}
