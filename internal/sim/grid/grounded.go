package grid

import "nanofab.ai/internal/sim/geom"

// Grounded returns a mask of every filled cell that is face-connected, through
// filled cells, to a filled cell on the floor plane y=0.
func (g *Grid) Grounded() *Grid {
	seeds := make([]int, 0, g.r*g.r)
	for x := 0; x < g.r; x++ {
		for z := 0; z < g.r; z++ {
			i := g.Index(geom.Point{X: x, Y: 0, Z: z})
			if g.getIdx(i) {
				seeds = append(seeds, i)
			}
		}
	}
	return g.groundedFrom(seeds)
}

// groundedFrom floods from the given floor cells with an explicit stack; the
// resulting set does not depend on seed order.
func (g *Grid) groundedFrom(seeds []int) *Grid {
	mask := New(g.r)
	stack := make([]int, 0, 1024)
	for _, s := range seeds {
		if !g.getIdx(s) || mask.getIdx(s) {
			continue
		}
		mask.setIdx(s, true)
		stack = append(stack, s)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			g.eachNeighbor(i, func(j int) {
				if g.getIdx(j) && !mask.getIdx(j) {
					mask.setIdx(j, true)
					stack = append(stack, j)
				}
			})
		}
	}
	return mask
}

func (g *Grid) eachNeighbor(i int, fn func(int)) {
	r := g.r
	rr := r * r
	x := i / rr
	y := (i / r) % r
	z := i % r
	if x > 0 {
		fn(i - rr)
	}
	if y > 0 {
		fn(i - r)
	}
	if z > 0 {
		fn(i - 1)
	}
	if x+1 < r {
		fn(i + rr)
	}
	if y+1 < r {
		fn(i + r)
	}
	if z+1 < r {
		fn(i + 1)
	}
}

// AllGrounded reports whether every filled cell is grounded. When it is not,
// the first ungrounded cell in index order is returned.
func (g *Grid) AllGrounded() (geom.Point, bool) {
	mask := g.Grounded()
	for bi := range g.bits {
		if x := g.bits[bi] &^ mask.bits[bi]; x != 0 {
			for k := 0; k < 8; k++ {
				if x&(1<<k) != 0 {
					return g.PointAt(bi*8 + k), false
				}
			}
		}
	}
	return geom.Point{}, true
}

// AddedGrounded checks cells that were just filled, assuming every other filled
// cell was already grounded. A component of added cells is grounded as soon as
// it reaches the floor or any filled cell outside the added set.
func (g *Grid) AddedGrounded(added []geom.Point) (geom.Point, bool) {
	if len(added) == 0 {
		return geom.Point{}, true
	}
	isAdded := make(map[int]bool, len(added))
	for _, p := range added {
		isAdded[g.Index(p)] = true
	}
	settled := make(map[int]bool, len(added))
	for _, p := range added {
		start := g.Index(p)
		if settled[start] || !g.getIdx(start) {
			continue
		}
		seen := map[int]bool{start: true}
		stack := []int{start}
		ok := false
		for len(stack) > 0 && !ok {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if (i/g.r)%g.r == 0 || settled[i] {
				ok = true
				break
			}
			g.eachNeighbor(i, func(j int) {
				if ok || seen[j] || !g.getIdx(j) {
					return
				}
				if !isAdded[j] {
					ok = true
					return
				}
				seen[j] = true
				stack = append(stack, j)
			})
		}
		if !ok {
			return p, false
		}
		for i := range seen {
			settled[i] = true
		}
	}
	return geom.Point{}, true
}
