// Package vm defines the virtual machine interface consumed by the debug
// bridge, together with a reference RV64I machine used by the serve command
// and the test suite. The bridge only drives execution and inspects state
// through the Machine interface; instruction semantics live behind it.
package vm

import (
	"errors"

	"github.com/Manu343726/gdbridge/pkg/utils"
)

// Trap identifies the outcome of executing a single guest instruction.
type Trap int

const (
	// TrapNone indicates the instruction retired normally
	TrapNone Trap = iota
	// TrapBreakpoint indicates a trap instruction (EBREAK) was executed
	TrapBreakpoint
	// TrapIllegalInstruction indicates an undecodable or unsupported instruction
	TrapIllegalInstruction
	// TrapMemoryFault indicates a load, store or fetch outside addressable memory
	TrapMemoryFault
)

// String returns the string representation of a Trap
func (t Trap) String() string {
	switch t {
	case TrapNone:
		return "none"
	case TrapBreakpoint:
		return "breakpoint"
	case TrapIllegalInstruction:
		return "illegal_instruction"
	case TrapMemoryFault:
		return "memory_fault"
	default:
		return "unknown"
	}
}

var (
	// ErrRegisterIndex is returned for register accesses outside the register file
	ErrRegisterIndex = errors.New("register index out of range")
	// ErrMemoryRange is returned for memory accesses outside addressable memory
	ErrMemoryRange = errors.New("memory access out of range")
)

// Machine is the execution target the debug bridge attaches to.
//
// Step executes exactly one guest instruction. When it returns a trap other
// than TrapNone the program counter is left at the trapping instruction.
// A machine that has exited ignores further Step calls.
type Machine interface {
	// Step executes one guest instruction and reports its outcome
	Step() Trap
	// PC returns the current program counter
	PC() uint64
	// SetPC sets the program counter
	SetPC(addr uint64)
	// Register returns the value of a general-purpose register by index
	Register(index int) (uint64, error)
	// SetRegister sets a general-purpose register by index
	SetRegister(index int, value uint64) error
	// NumRegisters returns the size of the general-purpose register file
	NumRegisters() int
	// ReadMemory fills buf with guest memory starting at addr
	ReadMemory(addr uint64, buf []byte) error
	// WriteMemory copies data into guest memory starting at addr
	WriteMemory(addr uint64, data []byte) error
	// MemorySize returns the size of addressable guest memory in bytes
	MemorySize() uint64
	// Exited reports the guest exit code once the program has terminated
	Exited() (code int, exited bool)
}

// LoadImage copies a flat program image into guest memory at base.
// It does not touch the program counter; callers position it explicitly.
func LoadImage(m Machine, image []byte, base uint64) error {
	if err := m.WriteMemory(base, image); err != nil {
		return utils.MakeError(err, "image of %d bytes does not fit at 0x%x", len(image), base)
	}
	return nil
}
