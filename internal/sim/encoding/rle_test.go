package encoding

import (
	"testing"

	"nanofab.ai/internal/sim/geom"
	"nanofab.ai/internal/sim/grid"
)

func TestGridRLE_RoundTrip(t *testing.T) {
	g := grid.New(6)
	for x := 0; x < 6; x++ {
		g.Set(geom.Point{X: x, Y: 0, Z: 0}, true)
	}
	g.Set(geom.Point{X: 3, Y: 4, Z: 5}, true)
	g.Set(geom.Point{X: 5, Y: 5, Z: 5}, true)

	enc := EncodeGrid(g)
	out, err := DecodeGrid(6, enc)
	if err != nil {
		t.Fatalf("DecodeGrid: %v", err)
	}
	if !out.Equal(g) {
		t.Fatalf("round trip mismatch")
	}
}

func TestGridRLE_EmptyAndFull(t *testing.T) {
	empty := grid.New(4)
	if out, err := DecodeGrid(4, EncodeGrid(empty)); err != nil || out.CountFull() != 0 {
		t.Fatalf("empty grid: %v", err)
	}
	full := grid.New(4)
	for i := 0; i < full.Cells(); i++ {
		full.SetIndex(i, true)
	}
	out, err := DecodeGrid(4, EncodeGrid(full))
	if err != nil || out.CountFull() != 64 {
		t.Fatalf("full grid: %v", err)
	}
}

func TestGridRLE_RejectsWrongCoverage(t *testing.T) {
	g := grid.New(3)
	g.Set(geom.Point{X: 1, Y: 1, Z: 1}, true)
	if _, err := DecodeGrid(4, EncodeGrid(g)); err == nil {
		t.Fatalf("expected coverage error")
	}
	if _, err := DecodeGrid(2, EncodeGrid(g)); err == nil {
		t.Fatalf("expected overflow error")
	}
	if _, err := DecodeGrid(3, "!!"); err == nil {
		t.Fatalf("expected base64 error")
	}
}
