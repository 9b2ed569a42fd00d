package emulator

import "nanofab.ai/internal/sim/command"

// StepRecord summarizes one executed step.
type StepRecord struct {
	Step        int
	Mode        Mode // mode the step was charged at
	Bots        int  // active bots at the start of the step
	EnergyDelta int64
	Energy      int64
	Filled      int
	Cleared     int
}

// BotCommand pairs a bot with the command it ran in a step.
type BotCommand struct {
	BotID   int
	Command command.Command
}

type StepEvent struct {
	Record   StepRecord
	Commands []BotCommand // ascending bot id
	Spawned  []int
	Merged   []int
	Halted   bool
}

// StepObserver receives every executed step. Observers run on the stepping
// goroutine and must not call back into the emulator.
type StepObserver interface {
	ObserveStep(ev StepEvent)
}

// ObserverFunc adapts a function to StepObserver.
type ObserverFunc func(StepEvent)

func (f ObserverFunc) ObserveStep(ev StepEvent) { f(ev) }
