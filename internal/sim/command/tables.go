package command

import "nanofab.ai/internal/sim/geom"

// table is a bijection between small codes and displacements.
type table struct {
	byCode map[uint8]geom.Diff
	byDiff map[geom.Diff]uint8
	order  []geom.Diff
}

func newTable(diffs []geom.Diff, code func(geom.Diff) uint8) *table {
	t := &table{
		byCode: make(map[uint8]geom.Diff, len(diffs)),
		byDiff: make(map[geom.Diff]uint8, len(diffs)),
		order:  diffs,
	}
	for _, d := range diffs {
		c := code(d)
		if _, dup := t.byCode[c]; dup {
			panic("command: duplicate table code")
		}
		t.byCode[c] = d
		t.byDiff[d] = c
	}
	return t
}

func (t *table) decode(c uint8) (geom.Diff, bool) {
	d, ok := t.byCode[c]
	return d, ok
}

func (t *table) encode(d geom.Diff) (uint8, bool) {
	c, ok := t.byDiff[d]
	return c, ok
}

func (t *table) len() int { return len(t.order) }

// tables holds the three lookup tables the codec shares. Built once, never mutated.
type tables struct {
	short *table
	long  *table
	near  *table
}

var codecTables = buildTables()

func buildTables() *tables {
	return &tables{
		short: newTable(linearDiffs(geom.ShortLinearMax), linearCode(geom.ShortLinearMax)),
		long:  newTable(linearDiffs(geom.LongLinearMax), linearCode(geom.LongLinearMax)),
		near:  newTable(nearDiffs(), nearCode),
	}
}

func linearDiffs(maxLen int) []geom.Diff {
	out := make([]geom.Diff, 0, 6*maxLen)
	for i := 1; i <= maxLen; i++ {
		for axis := 0; axis < 3; axis++ {
			out = append(out, geom.ByAxis(axis, i), geom.ByAxis(axis, -i))
		}
	}
	return out
}

// linearCode packs axis (1..3) above the biased magnitude: a<<5|d+15 for long
// diffs, a<<4|d+5 for short ones.
func linearCode(maxLen int) func(geom.Diff) uint8 {
	shift := 4
	if maxLen > geom.ShortLinearMax {
		shift = 5
	}
	return func(d geom.Diff) uint8 {
		axis := d.Axis()
		return uint8((axis+1)<<shift | (d.Component(axis) + maxLen))
	}
}

func nearDiffs() []geom.Diff {
	out := make([]geom.Diff, 0, 18)
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				d := geom.Diff{DX: dx, DY: dy, DZ: dz}
				if d.IsNear() {
					out = append(out, d)
				}
			}
		}
	}
	return out
}

func nearCode(d geom.Diff) uint8 {
	return uint8((d.DX+1)*9 + (d.DY+1)*3 + (d.DZ + 1))
}

// ShortLinearDiffs, LongLinearDiffs and NearDiffs list every displacement the
// codec can represent in each class. The returned slices are copies.
func ShortLinearDiffs() []geom.Diff { return append([]geom.Diff(nil), codecTables.short.order...) }
func LongLinearDiffs() []geom.Diff  { return append([]geom.Diff(nil), codecTables.long.order...) }
func NearDiffs() []geom.Diff        { return append([]geom.Diff(nil), codecTables.near.order...) }
