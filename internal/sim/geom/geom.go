package geom

import "fmt"

// Displacement class limits.
const (
	ShortLinearMax = 5
	LongLinearMax  = 15
	FarMax         = 30
)

// Point is a cell coordinate inside an R×R×R grid.
type Point struct {
	X int
	Y int
	Z int
}

// Origin is where the first bot starts and where Terminate must happen.
var Origin = Point{}

func (p Point) Add(d Diff) Point {
	return Point{X: p.X + d.DX, Y: p.Y + d.DY, Z: p.Z + d.DZ}
}

func (p Point) Sub(q Point) Diff {
	return Diff{DX: p.X - q.X, DY: p.Y - q.Y, DZ: p.Z - q.Z}
}

func (p Point) InBounds(r int) bool {
	return p.X >= 0 && p.X < r && p.Y >= 0 && p.Y < r && p.Z >= 0 && p.Z < r
}

// Adjacent returns the in-bounds face neighbours of p in a fixed order.
func (p Point) Adjacent(r int) []Point {
	out := make([]Point, 0, 6)
	for _, d := range faceDirs {
		q := p.Add(d)
		if q.InBounds(r) {
			out = append(out, q)
		}
	}
	return out
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p.X, p.Y, p.Z)
}

var faceDirs = [6]Diff{
	{DX: -1}, {DY: -1}, {DZ: -1},
	{DX: 1}, {DY: 1}, {DZ: 1},
}

// Diff is a displacement between two points.
type Diff struct {
	DX int
	DY int
	DZ int
}

// ByAxis builds a linear diff of length v along axis 0 (x), 1 (y) or 2 (z).
func ByAxis(axis, v int) Diff {
	switch axis {
	case 0:
		return Diff{DX: v}
	case 1:
		return Diff{DY: v}
	case 2:
		return Diff{DZ: v}
	}
	panic(fmt.Sprintf("geom: invalid axis %d", axis))
}

func (d Diff) Add(e Diff) Diff {
	return Diff{DX: d.DX + e.DX, DY: d.DY + e.DY, DZ: d.DZ + e.DZ}
}

func (d Diff) Neg() Diff {
	return Diff{DX: -d.DX, DY: -d.DY, DZ: -d.DZ}
}

func (d Diff) IsZero() bool { return d == Diff{} }

// Component returns the displacement along axis 0, 1 or 2.
func (d Diff) Component(axis int) int {
	switch axis {
	case 0:
		return d.DX
	case 1:
		return d.DY
	case 2:
		return d.DZ
	}
	panic(fmt.Sprintf("geom: invalid axis %d", axis))
}

// MLen is the Manhattan length.
func (d Diff) MLen() int {
	return abs(d.DX) + abs(d.DY) + abs(d.DZ)
}

// CLen is the Chebyshev length.
func (d Diff) CLen() int {
	return max(abs(d.DX), abs(d.DY), abs(d.DZ))
}

func (d Diff) IsLinear() bool {
	n := 0
	if d.DX != 0 {
		n++
	}
	if d.DY != 0 {
		n++
	}
	if d.DZ != 0 {
		n++
	}
	return n == 1
}

// Axis returns the nonzero axis of a linear diff, or -1.
func (d Diff) Axis() int {
	if !d.IsLinear() {
		return -1
	}
	switch {
	case d.DX != 0:
		return 0
	case d.DY != 0:
		return 1
	default:
		return 2
	}
}

func (d Diff) IsShortLinear() bool { return d.IsLinear() && d.MLen() <= ShortLinearMax }
func (d Diff) IsLongLinear() bool  { return d.IsLinear() && d.MLen() <= LongLinearMax }

// IsNear holds for the 18 face and edge neighbours of the origin.
func (d Diff) IsNear() bool {
	m := d.MLen()
	return (m == 1 || m == 2) && d.CLen() == 1
}

func (d Diff) IsFar() bool {
	c := d.CLen()
	return c >= 1 && c <= FarMax
}

func (d Diff) String() string {
	return fmt.Sprintf("<%d,%d,%d>", d.DX, d.DY, d.DZ)
}

// Segment lists the cells from p to p+d inclusive. d must be linear or zero.
func Segment(p Point, d Diff) []Point {
	n := d.MLen()
	step := Diff{DX: sign(d.DX), DY: sign(d.DY), DZ: sign(d.DZ)}
	out := make([]Point, 0, n+1)
	c := p
	out = append(out, c)
	for i := 0; i < n; i++ {
		c = c.Add(step)
		out = append(out, c)
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func sign(x int) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
