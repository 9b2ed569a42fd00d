package emulator

import (
	"errors"
	"fmt"
	"io"

	"nanofab.ai/internal/sim/command"
)

// RunTrace decodes and executes a whole trace. Commands are dealt to the
// active bots in ascending id order, one step at a time. It returns the total
// energy once the trace halts and the final grid matches the target.
func (e *Emulator) RunTrace(trace []byte) (int64, error) {
	if err := e.usable(); err != nil {
		return e.energy, err
	}
	e.ResetStep()
	dec := command.NewDecoder(trace)
	for !e.halted {
		id, _ := e.NextUnstaged()
		c, err := dec.Next()
		if errors.Is(err, io.EOF) {
			reason := fmt.Sprintf("trace ended with %d active bots", len(e.order))
			if len(e.staged) > 0 {
				reason = fmt.Sprintf("trace ended after %d of %d commands of a step", len(e.staged), len(e.order))
			}
			return e.energy, e.fail(&MalformedTrace{Step: e.step, Reason: reason})
		}
		if err != nil {
			return e.energy, e.fail(err)
		}
		if err := e.Stage(id, c); err != nil {
			return e.energy, e.fail(err)
		}
		if e.StepComplete() {
			if _, err := e.RunStep(); err != nil {
				return e.energy, e.fail(err)
			}
		}
	}
	if dec.More() {
		return e.energy, e.fail(&MalformedTrace{
			Step:   e.step,
			Reason: fmt.Sprintf("%d bytes after Terminate at offset %d", len(trace)-dec.Offset(), dec.Offset()),
		})
	}
	if err := e.VerifyTarget(); err != nil {
		return e.energy, e.fail(err)
	}
	return e.energy, nil
}

// VerifyTarget compares the current grid with the target.
func (e *Emulator) VerifyTarget() error {
	if n, first := e.grid.Mismatch(e.target); n > 0 {
		return &WrongResult{Mismatched: n, First: first}
	}
	return nil
}

// Run executes a trace against a fresh emulator built from cfg.
func Run(cfg Config, trace []byte) (int64, error) {
	e, err := New(cfg)
	if err != nil {
		return 0, err
	}
	return e.RunTrace(trace)
}
