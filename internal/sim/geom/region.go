package geom

import "fmt"

// Region is an axis-aligned cuboid with inclusive corners, Min <= Max per axis.
type Region struct {
	Min Point
	Max Point
}

// NewRegion normalizes two opposite corners into a Region.
func NewRegion(a, b Point) Region {
	return Region{
		Min: Point{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)},
		Max: Point{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)},
	}
}

func (r Region) Contains(p Point) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X &&
		p.Y >= r.Min.Y && p.Y <= r.Max.Y &&
		p.Z >= r.Min.Z && p.Z <= r.Max.Z
}

// Dim counts the axes along which the region has extent.
func (r Region) Dim() int {
	n := 0
	if r.Min.X != r.Max.X {
		n++
	}
	if r.Min.Y != r.Max.Y {
		n++
	}
	if r.Min.Z != r.Max.Z {
		n++
	}
	return n
}

func (r Region) Volume() int {
	return (r.Max.X - r.Min.X + 1) * (r.Max.Y - r.Min.Y + 1) * (r.Max.Z - r.Min.Z + 1)
}

// Each visits every cell in x, y, z order.
func (r Region) Each(fn func(Point)) {
	for x := r.Min.X; x <= r.Max.X; x++ {
		for y := r.Min.Y; y <= r.Max.Y; y++ {
			for z := r.Min.Z; z <= r.Max.Z; z++ {
				fn(Point{X: x, Y: y, Z: z})
			}
		}
	}
}

func (r Region) InBounds(size int) bool {
	return r.Min.InBounds(size) && r.Max.InBounds(size)
}

func (r Region) String() string {
	return fmt.Sprintf("[%s..%s]", r.Min, r.Max)
}
