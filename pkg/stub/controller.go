package stub

import (
	"log/slog"
	"sync/atomic"

	"github.com/Manu343726/gdbridge/pkg/vm"
)

// State is the execution controller's state machine state
type State int32

const (
	// StateIdle is the initial state, before the first resume
	StateIdle State = iota
	// StateRunning is active during a continue
	StateRunning
	// StateSteppedOnce is active while a single instruction executes
	StateSteppedOnce
	// StateStopped is entered after each stop; it accepts the same
	// commands as StateIdle
	StateStopped
	// StateExited is terminal: only the stop reason can still be queried
	StateExited
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSteppedOnce:
		return "stepped_once"
	case StateStopped:
		return "stopped"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// StopReason indicates why execution stopped
type StopReason int

const (
	// StopBreakpointHit means the program counter landed on a planted trap
	StopBreakpointHit StopReason = iota
	// StopTrap covers every other VM-reported trap, including interrupts
	StopTrap
	// StopStepComplete means exactly one instruction retired
	StopStepComplete
	// StopExited means the program reached its natural exit
	StopExited
)

// String returns the string representation of a StopReason
func (r StopReason) String() string {
	switch r {
	case StopBreakpointHit:
		return "breakpoint"
	case StopTrap:
		return "trap"
	case StopStepComplete:
		return "step"
	case StopExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Signal codes reported to the debugger with stop notifications
const (
	SignalINT  = 2
	SignalILL  = 4
	SignalTRAP = 5
	SignalSEGV = 11
)

// StopEvent is the terminal outcome of a step or continue
type StopEvent struct {
	// Reason indicates why execution stopped
	Reason StopReason
	// Signal is the signal-like code reported to the debugger
	Signal int
	// PC is the program counter at the stop
	PC uint64
	// ExitCode is set when Reason is StopExited
	ExitCode int
}

// DefaultInterruptPollInterval is how many guest instructions the run loop
// executes between polls of the interrupt flag. At the default of 1 the
// flag is checked before every instruction, so an interrupt is honored with
// at most one instruction of slack: the instruction already in flight when
// the flag was raised still retires, and the reported program counter sits
// after it.
const DefaultInterruptPollInterval = 1

// Controller drives the run/step/stop state machine against the VM. It
// owns the breakpoint table during execution: nothing else mutates VM
// memory while a resume is in flight. Interrupt is the only method safe to
// call from another goroutine.
type Controller struct {
	machine     vm.Machine
	breakpoints *BreakpointTable
	log         *slog.Logger

	// pollInterval is the interrupt polling granularity in instructions
	pollInterval int

	// interrupted is the level-triggered cancellation flag: once raised it
	// stays raised until the run loop consumes it
	interrupted atomic.Bool

	state    atomic.Int32
	lastStop StopEvent
}

// NewController creates an execution controller for the given machine
func NewController(machine vm.Machine, breakpoints *BreakpointTable, log *slog.Logger) *Controller {
	c := &Controller{
		machine:      machine,
		breakpoints:  breakpoints,
		log:          log,
		pollInterval: DefaultInterruptPollInterval,
	}
	// before the first resume the target reports an attach-time pause
	c.lastStop = StopEvent{Reason: StopTrap, Signal: SignalINT, PC: machine.PC()}
	return c
}

// SetInterruptPollInterval tunes the interrupt polling granularity.
// Values below 1 are clamped to 1.
func (c *Controller) SetInterruptPollInterval(instructions int) {
	if instructions < 1 {
		instructions = 1
	}
	c.pollInterval = instructions
}

// State returns the current state machine state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Interrupt raises the cancellation flag. It is idempotent and level
// triggered: the flag stays raised until a run loop consumes it, so an
// interrupt delivered while idle stops the next resume immediately.
func (c *Controller) Interrupt() {
	c.interrupted.Store(true)
}

// LastStop returns the last terminal stop without re-running anything.
// It is invalid while the machine is running.
func (c *Controller) LastStop() (StopEvent, error) {
	switch c.State() {
	case StateRunning, StateSteppedOnce:
		return StopEvent{}, ErrRunning
	}
	return c.lastStop, nil
}

// Step executes exactly one guest instruction, stepping over a breakpoint
// at the current program counter if one is set, and leaves the breakpoint
// planted afterwards. An optional resume address repositions the program
// counter first.
func (c *Controller) Step(resumeAddr *uint64) (StopEvent, error) {
	if c.State() == StateExited {
		return StopEvent{}, ErrExited
	}
	if resumeAddr != nil {
		c.machine.SetPC(*resumeAddr)
	}

	c.state.Store(int32(StateSteppedOnce))
	event, err := c.stepOne()
	if err != nil {
		c.state.Store(int32(StateStopped))
		return StopEvent{}, err
	}
	c.finish(event)
	return event, nil
}

// Continue resumes execution until a breakpoint is hit, the VM traps, the
// program exits or an interrupt is observed. A breakpoint at the current
// program counter is stepped over before the run loop starts, so a
// continue from a breakpoint makes progress.
func (c *Controller) Continue(resumeAddr *uint64) (StopEvent, error) {
	if c.State() == StateExited {
		return StopEvent{}, ErrExited
	}
	if resumeAddr != nil {
		c.machine.SetPC(*resumeAddr)
	}

	c.state.Store(int32(StateRunning))

	if c.breakpoints.IsSet(c.machine.PC()) {
		event, err := c.stepOne()
		if err != nil {
			c.state.Store(int32(StateStopped))
			return StopEvent{}, err
		}
		if event.Reason != StopStepComplete {
			c.finish(event)
			return event, nil
		}
	}

	executed := 0
	for {
		if executed%c.pollInterval == 0 && c.interrupted.CompareAndSwap(true, false) {
			event := StopEvent{Reason: StopTrap, Signal: SignalINT, PC: c.machine.PC()}
			c.log.Debug("run interrupted", "pc", event.PC, "instructions", executed)
			c.finish(event)
			return event, nil
		}

		trap := c.machine.Step()
		executed++

		event, stopped := c.classify(trap)
		if stopped {
			c.log.Debug("run stopped", "reason", event.Reason, "pc", event.PC, "instructions", executed)
			c.finish(event)
			return event, nil
		}
	}
}

// RangeStep resumes execution until the program counter leaves
// [start, end). The first instruction always executes, stepping over a
// breakpoint at the current program counter like Continue does; afterwards
// planted breakpoints, traps, exits and interrupts stop the run exactly as
// during a continue.
func (c *Controller) RangeStep(start, end uint64) (StopEvent, error) {
	if c.State() == StateExited {
		return StopEvent{}, ErrExited
	}

	c.state.Store(int32(StateRunning))

	event, err := c.stepOne()
	if err != nil {
		c.state.Store(int32(StateStopped))
		return StopEvent{}, err
	}
	if event.Reason != StopStepComplete {
		c.finish(event)
		return event, nil
	}

	executed := 1
	for {
		if pc := c.machine.PC(); pc < start || pc >= end {
			event := StopEvent{Reason: StopStepComplete, Signal: SignalTRAP, PC: pc}
			c.log.Debug("range step left the range", "pc", pc, "instructions", executed)
			c.finish(event)
			return event, nil
		}

		if executed%c.pollInterval == 0 && c.interrupted.CompareAndSwap(true, false) {
			event := StopEvent{Reason: StopTrap, Signal: SignalINT, PC: c.machine.PC()}
			c.log.Debug("range step interrupted", "pc", event.PC, "instructions", executed)
			c.finish(event)
			return event, nil
		}

		trap := c.machine.Step()
		executed++

		event, stopped := c.classify(trap)
		if stopped {
			c.log.Debug("range step stopped", "reason", event.Reason, "pc", event.PC, "instructions", executed)
			c.finish(event)
			return event, nil
		}
	}
}

// stepOne executes a single instruction, lifting and replanting a
// breakpoint at the current program counter around it
func (c *Controller) stepOne() (StopEvent, error) {
	pc := c.machine.PC()

	lifted := false
	if c.breakpoints.IsSet(pc) {
		if err := c.breakpoints.Lift(pc); err != nil {
			return StopEvent{}, err
		}
		lifted = true
	}

	trap := c.machine.Step()

	if lifted {
		if err := c.breakpoints.Replant(pc); err != nil {
			return StopEvent{}, err
		}
	}

	if event, stopped := c.classify(trap); stopped {
		return event, nil
	}
	return StopEvent{Reason: StopStepComplete, Signal: SignalTRAP, PC: c.machine.PC()}, nil
}

// classify maps a VM trap to a stop event. Any VM-reported fault surfaces
// as a stop notification with a signal-like code, never as an internal
// error: the session stays usable afterwards.
func (c *Controller) classify(trap vm.Trap) (StopEvent, bool) {
	if code, exited := c.machine.Exited(); exited {
		return StopEvent{Reason: StopExited, ExitCode: code, PC: c.machine.PC()}, true
	}

	pc := c.machine.PC()
	switch trap {
	case vm.TrapNone:
		return StopEvent{}, false
	case vm.TrapBreakpoint:
		if c.breakpoints.IsSet(pc) {
			return StopEvent{Reason: StopBreakpointHit, Signal: SignalTRAP, PC: pc}, true
		}
		// a trap instruction belonging to the program itself
		return StopEvent{Reason: StopTrap, Signal: SignalTRAP, PC: pc}, true
	case vm.TrapIllegalInstruction:
		return StopEvent{Reason: StopTrap, Signal: SignalILL, PC: pc}, true
	case vm.TrapMemoryFault:
		return StopEvent{Reason: StopTrap, Signal: SignalSEGV, PC: pc}, true
	default:
		return StopEvent{Reason: StopTrap, Signal: SignalTRAP, PC: pc}, true
	}
}

func (c *Controller) finish(event StopEvent) {
	c.lastStop = event
	if event.Reason == StopExited {
		c.state.Store(int32(StateExited))
		c.log.Info("program exited", "code", event.ExitCode)
	} else {
		c.state.Store(int32(StateStopped))
	}
}

// trapInstruction returns the trap encoding planted by software
// breakpoints for the bundled machine
func trapInstruction() []byte {
	return vm.Assemble(vm.EBREAK)
}
