package command

import (
	"errors"
	"fmt"
	"io"

	"nanofab.ai/internal/sim/geom"
)

// Fixed one-byte commands.
const (
	byteTerminate  = 0xFF
	byteNoOp       = 0xFE
	byteModeToggle = 0xFD
)

// Tags in the low bits of the first byte.
const (
	tagLinearMove     = 0b0100 // low 4 bits, top two bits zero
	tagElbowMove      = 0b1100 // low 4 bits
	tagMergePrimary   = 0b111  // low 3 bits, near code above
	tagMergeSecondary = 0b110
	tagSpawn          = 0b101
	tagFill           = 0b011
	tagClear          = 0b010
	tagRegionFill     = 0b001
	tagRegionClear    = 0b000
)

const farBias = geom.FarMax

// ParseError reports an undecodable command in a trace.
type ParseError struct {
	Offset int
	Bytes  []byte
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("trace offset %d: %s (bytes % 08b)", e.Offset, e.Reason, e.Bytes)
}

// Size returns the encoded length of c in bytes.
func Size(c Command) int {
	switch c.(type) {
	case NoOp, ModeToggle, Terminate, Fill, Clear, MergePrimary, MergeSecondary:
		return 1
	case LinearMove, ElbowMove, Spawn:
		return 2
	case RegionFill, RegionClear:
		return 4
	}
	return 0
}

// Encode returns the wire form of c.
func Encode(c Command) ([]byte, error) {
	return Append(nil, c)
}

// Append appends the wire form of c to dst.
func Append(dst []byte, c Command) ([]byte, error) {
	t := codecTables
	near := func(nd geom.Diff, tag byte) (byte, error) {
		code, ok := t.near.encode(nd)
		if !ok {
			return 0, fmt.Errorf("encode %s: %s is not a near displacement", c, nd)
		}
		return code<<3 | tag, nil
	}
	switch c := c.(type) {
	case NoOp:
		return append(dst, byteNoOp), nil
	case ModeToggle:
		return append(dst, byteModeToggle), nil
	case Terminate:
		return append(dst, byteTerminate), nil
	case LinearMove:
		code, ok := t.long.encode(c.D)
		if !ok {
			return dst, fmt.Errorf("encode %s: not a long linear displacement", c)
		}
		return append(dst, (code>>5)<<4|tagLinearMove, code&0b11111), nil
	case ElbowMove:
		c1, ok1 := t.short.encode(c.D1)
		c2, ok2 := t.short.encode(c.D2)
		if !ok1 || !ok2 {
			return dst, fmt.Errorf("encode %s: legs must be short linear", c)
		}
		return append(dst, (c2>>4)<<6|(c1>>4)<<4|tagElbowMove, (c2&0b1111)<<4|c1&0b1111), nil
	case Spawn:
		if c.Seeds < 0 || c.Seeds > 0xFF {
			return dst, fmt.Errorf("encode %s: seed count out of range", c)
		}
		b, err := near(c.ND, tagSpawn)
		if err != nil {
			return dst, err
		}
		return append(dst, b, byte(c.Seeds)), nil
	case Fill:
		b, err := near(c.ND, tagFill)
		if err != nil {
			return dst, err
		}
		return append(dst, b), nil
	case Clear:
		b, err := near(c.ND, tagClear)
		if err != nil {
			return dst, err
		}
		return append(dst, b), nil
	case MergePrimary:
		b, err := near(c.ND, tagMergePrimary)
		if err != nil {
			return dst, err
		}
		return append(dst, b), nil
	case MergeSecondary:
		b, err := near(c.ND, tagMergeSecondary)
		if err != nil {
			return dst, err
		}
		return append(dst, b), nil
	case RegionFill:
		return appendRegion(dst, c, c.ND, c.FD, tagRegionFill, near)
	case RegionClear:
		return appendRegion(dst, c, c.ND, c.FD, tagRegionClear, near)
	}
	return dst, fmt.Errorf("encode: unknown command %T", c)
}

func appendRegion(dst []byte, c Command, nd, fd geom.Diff, tag byte, near func(geom.Diff, byte) (byte, error)) ([]byte, error) {
	if !fd.IsFar() {
		return dst, fmt.Errorf("encode %s: %s is not a far displacement", c, fd)
	}
	b, err := near(nd, tag)
	if err != nil {
		return dst, err
	}
	return append(dst, b, byte(fd.DX+farBias), byte(fd.DY+farBias), byte(fd.DZ+farBias)), nil
}

// EncodeAll concatenates the wire forms of cmds.
func EncodeAll(cmds []Command) ([]byte, error) {
	var out []byte
	for i, c := range cmds {
		var err error
		out, err = Append(out, c)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
	}
	return out, nil
}

// Decoder reads commands one at a time from a trace buffer. It keeps no state
// besides the read offset.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Offset is the position of the next unread byte.
func (d *Decoder) Offset() int { return d.off }

// More reports whether unread bytes remain.
func (d *Decoder) More() bool { return d.off < len(d.buf) }

// Next decodes one command. It returns io.EOF at the end of the buffer and a
// *ParseError for malformed input.
func (d *Decoder) Next() (Command, error) {
	if d.off >= len(d.buf) {
		return nil, io.EOF
	}
	c, n, err := decodeAt(d.buf, d.off)
	if err != nil {
		return nil, err
	}
	d.off += n
	return c, nil
}

// Decode decodes exactly one command from b, which must hold nothing else.
func Decode(b []byte) (Command, error) {
	c, n, err := decodeAt(b, 0)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, &ParseError{Offset: n, Bytes: b[n:], Reason: "trailing bytes after command"}
	}
	return c, nil
}

// DecodeAll decodes a whole trace.
func DecodeAll(b []byte) ([]Command, error) {
	dec := NewDecoder(b)
	var out []Command
	for {
		c, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
}

func decodeAt(buf []byte, off int) (Command, int, error) {
	t := codecTables
	b0 := buf[off]
	fail := func(n int, format string, args ...any) (Command, int, error) {
		end := min(off+n, len(buf))
		raw := append([]byte(nil), buf[off:end]...)
		return nil, 0, &ParseError{Offset: off, Bytes: raw, Reason: fmt.Sprintf(format, args...)}
	}
	need := func(n int) bool { return off+n <= len(buf) }

	switch b0 {
	case byteTerminate:
		return Terminate{}, 1, nil
	case byteNoOp:
		return NoOp{}, 1, nil
	case byteModeToggle:
		return ModeToggle{}, 1, nil
	}

	switch b0 & 0b1111 {
	case tagLinearMove:
		if !need(2) {
			return fail(2, "truncated LinearMove")
		}
		b1 := buf[off+1]
		if b0>>6 != 0 || b1>>5 != 0 {
			return fail(2, "LinearMove padding bits set")
		}
		d, ok := t.long.decode((b0>>4)<<5 | b1)
		if !ok {
			return fail(2, "undefined long displacement")
		}
		return LinearMove{D: d}, 2, nil
	case tagElbowMove:
		if !need(2) {
			return fail(2, "truncated ElbowMove")
		}
		b1 := buf[off+1]
		d1, ok1 := t.short.decode((b0>>4&0b11)<<4 | b1&0b1111)
		d2, ok2 := t.short.decode((b0>>6)<<4 | b1>>4)
		if !ok1 || !ok2 {
			return fail(2, "undefined short displacement")
		}
		return ElbowMove{D1: d1, D2: d2}, 2, nil
	}

	nd, ok := t.near.decode(b0 >> 3)
	if !ok {
		return fail(1, "undefined near displacement code %d", b0>>3)
	}
	switch b0 & 0b111 {
	case tagMergePrimary:
		return MergePrimary{ND: nd}, 1, nil
	case tagMergeSecondary:
		return MergeSecondary{ND: nd}, 1, nil
	case tagFill:
		return Fill{ND: nd}, 1, nil
	case tagClear:
		return Clear{ND: nd}, 1, nil
	case tagSpawn:
		if !need(2) {
			return fail(2, "truncated Spawn")
		}
		return Spawn{ND: nd, Seeds: int(buf[off+1])}, 2, nil
	case tagRegionFill, tagRegionClear:
		if !need(4) {
			return fail(4, "truncated region command")
		}
		var comp [3]int
		for i := range comp {
			v := int(buf[off+1+i])
			if v > 2*farBias {
				return fail(4, "far component byte %d out of range", v)
			}
			comp[i] = v - farBias
		}
		fd := geom.Diff{DX: comp[0], DY: comp[1], DZ: comp[2]}
		if !fd.IsFar() {
			return fail(4, "zero far displacement")
		}
		if b0&0b111 == tagRegionFill {
			return RegionFill{ND: nd, FD: fd}, 4, nil
		}
		return RegionClear{ND: nd, FD: fd}, 4, nil
	}
	return fail(1, "unrecognized command byte")
}
