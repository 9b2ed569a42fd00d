package emulator

import (
	"errors"
	"fmt"

	"nanofab.ai/internal/protocol"
	"nanofab.ai/internal/sim/command"
	"nanofab.ai/internal/sim/geom"
)

// ErrHalted is returned by any step operation after Terminate has run.
var ErrHalted = errors.New("emulator halted")

// PreconditionViolation means a command is illegal in the current state.
type PreconditionViolation struct {
	Step    int
	BotID   int
	Command command.Command
	Reason  string
}

func (e *PreconditionViolation) Error() string {
	return fmt.Sprintf("step %d: bot %d: %v: %s", e.Step, e.BotID, e.Command, e.Reason)
}

// UngroundedVoxel means a Relaxed-mode step ended with unsupported filled cells.
type UngroundedVoxel struct {
	Step  int
	Cell  geom.Point // first in index order
	Count int
}

func (e *UngroundedVoxel) Error() string {
	return fmt.Sprintf("step %d: %d filled cells are not grounded (first %v)", e.Step, e.Count, e.Cell)
}

// WrongResult means the trace halted legally but built the wrong grid.
type WrongResult struct {
	Mismatched int
	First      geom.Point
}

func (e *WrongResult) Error() string {
	return fmt.Sprintf("final grid differs from target in %d cells (first %v)", e.Mismatched, e.First)
}

// MalformedTrace means the command stream does not line up with the roster:
// wrong command count for a step, a stream that stops early, or bytes after Terminate.
type MalformedTrace struct {
	Step   int
	Reason string
}

func (e *MalformedTrace) Error() string {
	return fmt.Sprintf("step %d: malformed trace: %s", e.Step, e.Reason)
}

// Code maps an emulation error to its protocol error code.
func Code(err error) string {
	var (
		parse *command.ParseError
		pre   *PreconditionViolation
		ung   *UngroundedVoxel
		wrong *WrongResult
		mal   *MalformedTrace
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrHalted):
		return protocol.ErrHalted
	case errors.As(err, &parse):
		return protocol.ErrParse
	case errors.As(err, &pre):
		return protocol.ErrPrecondition
	case errors.As(err, &ung):
		return protocol.ErrUngrounded
	case errors.As(err, &wrong):
		return protocol.ErrWrongResult
	case errors.As(err, &mal):
		return protocol.ErrMalformedTrace
	}
	return protocol.ErrInternal
}
