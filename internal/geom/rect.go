package geom

// Rect is a half-open tile rectangle: Start is inclusive, End exclusive.
type Rect struct {
	Start Vec2
	Size  Vec2
}

// NewRect creates a rectangle from its inclusive start and size.
func NewRect(start, size Vec2) Rect {
	return Rect{Start: start, Size: size}
}

// End returns the exclusive corner, Start + Size.
func (r Rect) End() Vec2 {
	return r.Start.Add(r.Size)
}

// Contains reports whether p lies inside the rectangle.
// p == Start is inside; p == Start + Size is outside.
func (r Rect) Contains(p Vec2) bool {
	end := r.End()
	return p.X >= r.Start.X && p.X < end.X &&
		p.Y >= r.Start.Y && p.Y < end.Y
}

// Intersects reports whether r and o share at least one tile.
func (r Rect) Intersects(o Rect) bool {
	re, oe := r.End(), o.End()
	return r.Start.X < oe.X && o.Start.X < re.X &&
		r.Start.Y < oe.Y && o.Start.Y < re.Y
}
