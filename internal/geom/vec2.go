// Package geom provides integer tile-grid math: 2D vectors, half-open
// rectangles, and distance on staggered isometric maps.
package geom

import (
	"fmt"
	"math"
)

// Vec2 is an immutable pair of tile coordinates.
type Vec2 struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// V is shorthand for constructing a Vec2.
func V(x, y int) Vec2 {
	return Vec2{X: x, Y: y}
}

// Add returns v + o componentwise.
func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{v.X + o.X, v.Y + o.Y}
}

// Sub returns v - o componentwise.
func (v Vec2) Sub(o Vec2) Vec2 {
	return Vec2{v.X - o.X, v.Y - o.Y}
}

// Mul returns v * o componentwise.
func (v Vec2) Mul(o Vec2) Vec2 {
	return Vec2{v.X * o.X, v.Y * o.Y}
}

// IntDiv returns componentwise floor division by o.
// Floor semantics: V(-1, -1).IntDiv(V(2, 2)) == V(-1, -1).
func (v Vec2) IntDiv(o Vec2) Vec2 {
	return Vec2{FloorDiv(v.X, o.X), FloorDiv(v.Y, o.Y)}
}

// Scale returns v with both components multiplied by k.
func (v Vec2) Scale(k int) Vec2 {
	return Vec2{v.X * k, v.Y * k}
}

// StaggeredDistance returns the euclidean distance between two tiles on a
// staggered isometric map, where a row step covers half the visual distance
// of a column step (ΔY is halved).
func (v Vec2) StaggeredDistance(o Vec2) float64 {
	dx := float64(v.X - o.X)
	dy := float64(v.Y-o.Y) / 2
	return math.Sqrt(dx*dx + dy*dy)
}

func (v Vec2) String() string {
	return fmt.Sprintf("%dx%d", v.X, v.Y)
}

// FloorDiv divides a by b rounding toward negative infinity.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
