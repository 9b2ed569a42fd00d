package geom

import "testing"

func TestDiff_Lengths(t *testing.T) {
	d := Diff{DX: 1, DY: 2, DZ: -3}
	if d.MLen() != 6 {
		t.Fatalf("mlen: got %d want 6", d.MLen())
	}
	if d.CLen() != 3 {
		t.Fatalf("clen: got %d want 3", d.CLen())
	}
}

func TestDiff_ClassCounts(t *testing.T) {
	var short, long, near, far int
	for dx := -16; dx <= 16; dx++ {
		for dy := -16; dy <= 16; dy++ {
			for dz := -16; dz <= 16; dz++ {
				d := Diff{DX: dx, DY: dy, DZ: dz}
				if d.IsShortLinear() {
					short++
				}
				if d.IsLongLinear() {
					long++
				}
				if d.IsNear() {
					near++
				}
				if d.IsFar() {
					far++
				}
			}
		}
	}
	if short != 30 || long != 90 || near != 18 {
		t.Fatalf("class counts: short=%d long=%d near=%d", short, long, near)
	}
	if want := 33*33*33 - 1; far != want {
		t.Fatalf("far count: got %d want %d", far, want)
	}
}

func TestDiff_Linear(t *testing.T) {
	if !(Diff{DX: 10}).IsLinear() || !(Diff{DY: 4}).IsLinear() {
		t.Fatalf("expected linear")
	}
	if (Diff{DX: 1, DZ: 1}).IsLinear() || (Diff{}).IsLinear() {
		t.Fatalf("expected non-linear")
	}
	if got := (Diff{DZ: -7}).Axis(); got != 2 {
		t.Fatalf("axis: got %d want 2", got)
	}
	if got := (Diff{DX: 1, DY: 1}).Axis(); got != -1 {
		t.Fatalf("axis of non-linear: got %d", got)
	}
}

func TestPoint_Arith(t *testing.T) {
	p := Point{X: 1, Y: 2, Z: 3}
	q := Point{X: 4, Y: 6, Z: 10}
	d := q.Sub(p)
	if p.Add(d) != q {
		t.Fatalf("p+(q-p) != q")
	}
	if !p.InBounds(4) || p.InBounds(3) {
		t.Fatalf("in-bounds mismatch")
	}
	if (Point{X: -1}).InBounds(4) {
		t.Fatalf("negative coordinate reported in bounds")
	}
}

func TestSegment(t *testing.T) {
	got := Segment(Point{X: 2, Y: 0, Z: 1}, Diff{DX: -2})
	want := []Point{{X: 2, Z: 1}, {X: 1, Z: 1}, {X: 0, Z: 1}}
	if len(got) != len(want) {
		t.Fatalf("len: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cell %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestRegion(t *testing.T) {
	r := NewRegion(Point{X: 1, Y: 2, Z: 3}, Point{X: 1, Y: 2, Z: 3})
	if r.Dim() != 0 || r.Volume() != 1 {
		t.Fatalf("point region: dim=%d vol=%d", r.Dim(), r.Volume())
	}
	r = NewRegion(Point{X: 1, Y: 20, Z: 3}, Point{X: 1, Y: 2, Z: 3})
	if r.Dim() != 1 || r.Min.Y != 2 || r.Max.Y != 20 {
		t.Fatalf("line region: %v dim=%d", r, r.Dim())
	}
	r = NewRegion(Point{X: 1, Y: 2, Z: 3}, Point{})
	if r.Dim() != 3 || r.Volume() != 2*3*4 {
		t.Fatalf("box region: dim=%d vol=%d", r.Dim(), r.Volume())
	}
	n := 0
	r.Each(func(p Point) {
		if !r.Contains(p) {
			t.Fatalf("Each visited %v outside %v", p, r)
		}
		n++
	})
	if n != r.Volume() {
		t.Fatalf("Each visited %d cells, want %d", n, r.Volume())
	}
}
