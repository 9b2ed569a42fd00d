package grid

import (
	"fmt"
	"math/bits"

	"nanofab.ai/internal/sim/geom"
)

// MaxR is the largest resolution the one-byte file header can describe.
const MaxR = 255

// Grid is a dense R×R×R occupancy store. Cell (x,y,z) lives at bit x·R²+y·R+z,
// least significant bit first within each byte.
type Grid struct {
	r    int
	bits []byte
}

func New(r int) *Grid {
	if r < 1 || r > MaxR {
		panic(fmt.Sprintf("grid: resolution %d out of range", r))
	}
	return &Grid{r: r, bits: make([]byte, byteLen(r))}
}

func byteLen(r int) int {
	return (r*r*r + 7) / 8
}

// Parse reads the model file form: byte 0 is R, followed by exactly
// ceil(R³/8) bytes of packed occupancy.
func Parse(data []byte) (*Grid, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("model: empty buffer")
	}
	r := int(data[0])
	if r == 0 {
		return nil, fmt.Errorf("model: resolution 0")
	}
	want := byteLen(r)
	if got := len(data) - 1; got != want {
		return nil, fmt.Errorf("model: R=%d needs %d data bytes, have %d", r, want, got)
	}
	g := New(r)
	copy(g.bits, data[1:])
	g.clearPadding()
	return g, nil
}

// Bytes returns the canonical model file form.
func (g *Grid) Bytes() []byte {
	out := make([]byte, 1+len(g.bits))
	out[0] = byte(g.r)
	copy(out[1:], g.bits)
	return out
}

func (g *Grid) clearPadding() {
	n := g.r * g.r * g.r
	if rem := n % 8; rem != 0 {
		g.bits[len(g.bits)-1] &= byte(1<<rem) - 1
	}
}

func (g *Grid) R() int { return g.r }

// Cells is R³.
func (g *Grid) Cells() int { return g.r * g.r * g.r }

func (g *Grid) InBounds(p geom.Point) bool { return p.InBounds(g.r) }

// Index flattens an in-bounds point.
func (g *Grid) Index(p geom.Point) int {
	return p.X*g.r*g.r + p.Y*g.r + p.Z
}

// PointAt is the inverse of Index.
func (g *Grid) PointAt(i int) geom.Point {
	z := i % g.r
	i /= g.r
	y := i % g.r
	return geom.Point{X: i / g.r, Y: y, Z: z}
}

func (g *Grid) Get(p geom.Point) bool {
	if !p.InBounds(g.r) {
		panic(fmt.Sprintf("grid: %v outside R=%d", p, g.r))
	}
	return g.getIdx(g.Index(p))
}

func (g *Grid) Set(p geom.Point, full bool) {
	if !p.InBounds(g.r) {
		panic(fmt.Sprintf("grid: %v outside R=%d", p, g.r))
	}
	g.setIdx(g.Index(p), full)
}

func (g *Grid) getIdx(i int) bool {
	return g.bits[i>>3]&(1<<(i&7)) != 0
}

func (g *Grid) setIdx(i int, full bool) {
	if full {
		g.bits[i>>3] |= 1 << (i & 7)
	} else {
		g.bits[i>>3] &^= 1 << (i & 7)
	}
}

// GetIndex and SetIndex address cells by flattened index.
func (g *Grid) GetIndex(i int) bool       { return g.getIdx(i) }
func (g *Grid) SetIndex(i int, full bool) { g.setIdx(i, full) }

func (g *Grid) Clone() *Grid {
	c := &Grid{r: g.r, bits: make([]byte, len(g.bits))}
	copy(c.bits, g.bits)
	return c
}

func (g *Grid) Equal(o *Grid) bool {
	if g == nil || o == nil {
		return g == o
	}
	if g.r != o.r {
		return false
	}
	for i := range g.bits {
		if g.bits[i] != o.bits[i] {
			return false
		}
	}
	return true
}

// CountFull returns the number of filled cells.
func (g *Grid) CountFull() int {
	n := 0
	for _, b := range g.bits {
		n += bits.OnesCount8(b)
	}
	return n
}

func (g *Grid) CountInRegion(r geom.Region) int {
	n := 0
	r.Each(func(p geom.Point) {
		if g.Get(p) {
			n++
		}
	})
	return n
}

// Each visits the filled cells in index order.
func (g *Grid) Each(fn func(geom.Point)) {
	for bi, b := range g.bits {
		for b != 0 {
			k := bits.TrailingZeros8(b)
			b &^= 1 << k
			fn(g.PointAt(bi*8 + k))
		}
	}
}

// Bounds returns the bounding box of all filled cells; ok is false for an empty grid.
func (g *Grid) Bounds() (geom.Region, bool) {
	var box geom.Region
	ok := false
	g.Each(func(p geom.Point) {
		if !ok {
			box = geom.Region{Min: p, Max: p}
			ok = true
			return
		}
		box.Min = geom.Point{X: min(box.Min.X, p.X), Y: min(box.Min.Y, p.Y), Z: min(box.Min.Z, p.Z)}
		box.Max = geom.Point{X: max(box.Max.X, p.X), Y: max(box.Max.Y, p.Y), Z: max(box.Max.Z, p.Z)}
	})
	return box, ok
}

// Mismatch counts cells that differ from o and reports the first one in index order.
func (g *Grid) Mismatch(o *Grid) (int, geom.Point) {
	if g.r != o.r {
		return g.Cells(), geom.Point{}
	}
	n := 0
	first := -1
	for bi := range g.bits {
		x := g.bits[bi] ^ o.bits[bi]
		if x == 0 {
			continue
		}
		n += bits.OnesCount8(x)
		if first < 0 {
			first = bi*8 + bits.TrailingZeros8(x)
		}
	}
	if first < 0 {
		return 0, geom.Point{}
	}
	return n, g.PointAt(first)
}
