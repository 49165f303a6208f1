// Package stub implements the execution-control core of the debug bridge:
// the breakpoint table, the register/memory bridge, the run/step/stop state
// machine and the per-connection session loop that maps remote protocol
// commands onto them.
package stub

import "errors"

var (
	// ErrNoBreakpoint is returned when removing an address with no breakpoint
	ErrNoBreakpoint = errors.New("no breakpoint at address")
	// ErrOutOfRange is returned for memory accesses outside addressable VM memory
	ErrOutOfRange = errors.New("memory access out of range")
	// ErrBadRegister is returned for register numbers outside the wire layout
	ErrBadRegister = errors.New("register number outside wire layout")
	// ErrBadSnapshot is returned for register snapshots that do not match the wire layout
	ErrBadSnapshot = errors.New("register snapshot does not match wire layout")
	// ErrRunning is returned for commands that are invalid while the program runs
	ErrRunning = errors.New("program is running")
	// ErrExited is returned for commands issued after the program exited
	ErrExited = errors.New("program has exited")
	// ErrLayoutMismatch is returned when the target description does not
	// cover the machine's register file plus its program counter
	ErrLayoutMismatch = errors.New("target description does not match machine register file")
)

// Protocol error codes carried in Exx replies. Each failing command family
// gets its own code; the values only need to be distinguishable on the
// debugger side.
const (
	errCodeRegisterRead  = 1
	errCodeRegisterWrite = 2
	errCodeMemoryRead    = 3
	errCodeMemoryWrite   = 4
	errCodeResume        = 5
	errCodeBreakpoint    = 6
	errCodeMalformed     = 7
	errCodeStopReason    = 8
)
