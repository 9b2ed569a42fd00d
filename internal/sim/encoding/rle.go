package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"nanofab.ai/internal/sim/grid"
)

// EncodeGrid encodes the occupancy of g in index order as base64(uvarint runs).
// Runs alternate empty, full, empty, ... starting with an empty run that may
// have length zero.
func EncodeGrid(g *grid.Grid) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	full := false
	n := g.Cells()
	for i := 0; i < n; {
		run := 0
		for i+run < n && g.GetIndex(i+run) == full {
			run++
		}
		k := binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:k])
		i += run
		full = !full
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeGrid rebuilds a grid of resolution r from EncodeGrid output.
func DecodeGrid(r int, b64 string) (*grid.Grid, error) {
	if r < 1 || r > grid.MaxR {
		return nil, fmt.Errorf("resolution %d out of range", r)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	g := grid.New(r)
	n := g.Cells()
	pos := 0
	full := false
	for i := 0; i < len(raw); {
		run, k := binary.Uvarint(raw[i:])
		if k <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += k
		if run > uint64(n-pos) {
			return nil, fmt.Errorf("run of %d overflows %d cells", run, n)
		}
		if full {
			for j := 0; j < int(run); j++ {
				g.SetIndex(pos+j, true)
			}
		}
		pos += int(run)
		full = !full
	}
	if pos != n {
		return nil, fmt.Errorf("runs cover %d of %d cells", pos, n)
	}
	return g, nil
}
