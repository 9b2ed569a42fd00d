package command

import (
	"fmt"

	"nanofab.ai/internal/sim/geom"
)

// Kind identifies a command variant.
type Kind uint8

const (
	KindNoOp Kind = iota + 1
	KindModeToggle
	KindLinearMove
	KindElbowMove
	KindSpawn
	KindFill
	KindClear
	KindMergePrimary
	KindMergeSecondary
	KindRegionFill
	KindRegionClear
	KindTerminate
)

var kindNames = map[Kind]string{
	KindNoOp:           "NoOp",
	KindModeToggle:     "ModeToggle",
	KindLinearMove:     "LinearMove",
	KindElbowMove:      "ElbowMove",
	KindSpawn:          "Spawn",
	KindFill:           "Fill",
	KindClear:          "Clear",
	KindMergePrimary:   "MergePrimary",
	KindMergeSecondary: "MergeSecondary",
	KindRegionFill:     "RegionFill",
	KindRegionClear:    "RegionClear",
	KindTerminate:      "Terminate",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Command is one bot instruction. The set of implementations is closed.
type Command interface {
	Kind() Kind
	String() string
	sealed()
}

type NoOp struct{}

type ModeToggle struct{}

type Terminate struct{}

// LinearMove moves straight by a long-linear displacement.
type LinearMove struct {
	D geom.Diff
}

// ElbowMove moves along two short-linear legs.
type ElbowMove struct {
	D1 geom.Diff
	D2 geom.Diff
}

// Spawn creates a bot at the near cell, handing it Seeds ids from the parent's pool.
type Spawn struct {
	ND    geom.Diff
	Seeds int
}

type Fill struct {
	ND geom.Diff
}

type Clear struct {
	ND geom.Diff
}

// MergePrimary absorbs the bot at the near cell, which must issue MergeSecondary back.
type MergePrimary struct {
	ND geom.Diff
}

type MergeSecondary struct {
	ND geom.Diff
}

// RegionFill fills the cuboid spanned from the near cell to near cell + FD.
type RegionFill struct {
	ND geom.Diff
	FD geom.Diff
}

type RegionClear struct {
	ND geom.Diff
	FD geom.Diff
}

func (NoOp) Kind() Kind           { return KindNoOp }
func (ModeToggle) Kind() Kind     { return KindModeToggle }
func (Terminate) Kind() Kind      { return KindTerminate }
func (LinearMove) Kind() Kind     { return KindLinearMove }
func (ElbowMove) Kind() Kind      { return KindElbowMove }
func (Spawn) Kind() Kind          { return KindSpawn }
func (Fill) Kind() Kind           { return KindFill }
func (Clear) Kind() Kind          { return KindClear }
func (MergePrimary) Kind() Kind   { return KindMergePrimary }
func (MergeSecondary) Kind() Kind { return KindMergeSecondary }
func (RegionFill) Kind() Kind     { return KindRegionFill }
func (RegionClear) Kind() Kind    { return KindRegionClear }

func (NoOp) sealed()           {}
func (ModeToggle) sealed()     {}
func (Terminate) sealed()      {}
func (LinearMove) sealed()     {}
func (ElbowMove) sealed()      {}
func (Spawn) sealed()          {}
func (Fill) sealed()           {}
func (Clear) sealed()          {}
func (MergePrimary) sealed()   {}
func (MergeSecondary) sealed() {}
func (RegionFill) sealed()     {}
func (RegionClear) sealed()    {}

func (NoOp) String() string       { return "NoOp" }
func (ModeToggle) String() string { return "ModeToggle" }
func (Terminate) String() string  { return "Terminate" }

func (c LinearMove) String() string { return "LinearMove " + c.D.String() }
func (c ElbowMove) String() string  { return "ElbowMove " + c.D1.String() + " " + c.D2.String() }
func (c Spawn) String() string      { return fmt.Sprintf("Spawn %s %d", c.ND, c.Seeds) }
func (c Fill) String() string       { return "Fill " + c.ND.String() }
func (c Clear) String() string      { return "Clear " + c.ND.String() }
func (c MergePrimary) String() string {
	return "MergePrimary " + c.ND.String()
}
func (c MergeSecondary) String() string {
	return "MergeSecondary " + c.ND.String()
}
func (c RegionFill) String() string  { return "RegionFill " + c.ND.String() + " " + c.FD.String() }
func (c RegionClear) String() string { return "RegionClear " + c.ND.String() + " " + c.FD.String() }
