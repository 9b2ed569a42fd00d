package tuning

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Energy profile names.
const (
	ProfileDefault = "default"
	ProfileContest = "contest"
)

type Tuning struct {
	// MaxBots bounds the roster: the first bot holds seeds 2..MaxBots.
	MaxBots int `yaml:"max_bots"`

	// Profile selects a base energy table; Energy fields set in the file override it.
	Profile string `yaml:"profile"`
	Energy  Energy `yaml:"energy"`
}

// Energy is the cost table used to score a trace.
type Energy struct {
	RelaxedPerCell int64 `yaml:"relaxed_per_cell"`
	RigidPerCell   int64 `yaml:"rigid_per_cell"`
	PerBot         int64 `yaml:"per_bot"`

	LinearMovePerCell int64 `yaml:"linear_move_per_cell"`
	ElbowMovePerCell  int64 `yaml:"elbow_move_per_cell"`
	ElbowMoveTurn     int64 `yaml:"elbow_move_turn"`

	Spawn int64 `yaml:"spawn"`
	Merge int64 `yaml:"merge"`

	FillEmpty  int64 `yaml:"fill_empty"`
	FillFull   int64 `yaml:"fill_full"`
	ClearFull  int64 `yaml:"clear_full"`
	ClearEmpty int64 `yaml:"clear_empty"`
}

// DefaultEnergy charges Clear symmetrically to Fill and treats merges as free.
func DefaultEnergy() Energy {
	return Energy{
		RelaxedPerCell:    3,
		RigidPerCell:      30,
		PerBot:            20,
		LinearMovePerCell: 2,
		ElbowMovePerCell:  2,
		ElbowMoveTurn:     2,
		Spawn:             24,
		Merge:             0,
		FillEmpty:         12,
		FillFull:          6,
		ClearFull:         12,
		ClearEmpty:        6,
	}
}

// ContestEnergy refunds energy for clearing full cells and for merging, so a
// trace's running total can decrease. It is opt-in: Validate accepts negative
// Merge and ClearFull only under ProfileContest, and only up to the Spawn and
// FillEmpty they undo. Clearing a cell that was full in the source model is
// still a net refund.
func ContestEnergy() Energy {
	e := DefaultEnergy()
	e.Merge = -24
	e.ClearFull = -12
	e.ClearEmpty = 3
	return e
}

func ProfileEnergy(name string) (Energy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ProfileDefault:
		return DefaultEnergy(), nil
	case ProfileContest:
		return ContestEnergy(), nil
	}
	return Energy{}, fmt.Errorf("unknown energy profile %q", name)
}

func Defaults() Tuning {
	return Tuning{
		MaxBots: 40,
		Profile: ProfileDefault,
		Energy:  DefaultEnergy(),
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	return Parse(raw)
}

// Parse decodes tuning YAML on top of the selected profile.
func Parse(raw []byte) (Tuning, error) {
	var head struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return Defaults(), fmt.Errorf("tuning.yaml: %w", err)
	}
	base, err := ProfileEnergy(head.Profile)
	if err != nil {
		return Defaults(), fmt.Errorf("tuning.yaml: %w", err)
	}
	t := Defaults()
	t.Energy = base
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Defaults(), fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Validate checks bounds. Every cost is non-negative except Merge and
// ClearFull under the contest profile, which may refund at most what the
// matching Spawn or Fill charged.
func (t Tuning) Validate() error {
	if t.MaxBots < 1 || t.MaxBots > 256 {
		return fmt.Errorf("max_bots must be in [1,256], got %d", t.MaxBots)
	}
	e := t.Energy
	if e.RelaxedPerCell < 0 || e.RigidPerCell < 0 || e.PerBot < 0 {
		return fmt.Errorf("per-step energy must be non-negative")
	}
	if e.LinearMovePerCell < 0 || e.ElbowMovePerCell < 0 || e.ElbowMoveTurn < 0 || e.Spawn < 0 {
		return fmt.Errorf("movement and spawn energy must be non-negative")
	}
	if e.FillEmpty < 0 || e.FillFull < 0 || e.ClearEmpty < 0 {
		return fmt.Errorf("fill and clear_empty energy must be non-negative")
	}
	if e.Merge >= 0 && e.ClearFull >= 0 {
		return nil
	}
	if !strings.EqualFold(strings.TrimSpace(t.Profile), ProfileContest) {
		return fmt.Errorf("negative merge or clear_full energy needs profile %q", ProfileContest)
	}
	if -e.Merge > e.Spawn {
		return fmt.Errorf("merge refund %d exceeds spawn cost %d", -e.Merge, e.Spawn)
	}
	if -e.ClearFull > e.FillEmpty {
		return fmt.Errorf("clear_full refund %d exceeds fill_empty cost %d", -e.ClearFull, e.FillEmpty)
	}
	return nil
}
