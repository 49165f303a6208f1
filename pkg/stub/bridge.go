package stub

import (
	"github.com/Manu343726/gdbridge/pkg/rsp"
	"github.com/Manu343726/gdbridge/pkg/utils"
	"github.com/Manu343726/gdbridge/pkg/vm"
)

// Bridge translates between the wire protocol's fixed register layout and
// the VM's native register set, and validates memory access ranges before
// touching the VM. Snapshots are produced on demand and never cached across
// machine steps. Memory accesses overlapping breakpoint patches are routed
// through the breakpoint table so the table stays the single source of
// truth for original instruction bytes.
type Bridge struct {
	machine     vm.Machine
	breakpoints *BreakpointTable
	target      *rsp.TargetDescription
}

// NewBridge creates a bridge for the given machine and wire layout. The
// layout must cover the machine's register file plus a trailing program
// counter; registers the layout does not name are never invented.
func NewBridge(machine vm.Machine, breakpoints *BreakpointTable, target *rsp.TargetDescription) (*Bridge, error) {
	if target.NumRegisters() != machine.NumRegisters()+1 {
		return nil, utils.MakeError(ErrLayoutMismatch,
			"layout has %d registers, machine has %d plus pc",
			target.NumRegisters(), machine.NumRegisters())
	}
	return &Bridge{
		machine:     machine,
		breakpoints: breakpoints,
		target:      target,
	}, nil
}

// ReadSnapshot produces a full register snapshot in wire order: all
// general-purpose registers followed by the program counter, each value
// little-endian at its layout width.
func (b *Bridge) ReadSnapshot() ([]byte, error) {
	out := make([]byte, 0, b.target.SnapshotBytes())
	for i := 0; i < b.machine.NumRegisters(); i++ {
		value, err := b.machine.Register(i)
		if err != nil {
			return nil, err
		}
		out = appendLittleEndian(out, value, b.target.RegisterBytes(i))
	}
	out = appendLittleEndian(out, b.machine.PC(), b.target.RegisterBytes(b.target.PCIndex()))
	return out, nil
}

// WriteSnapshot applies a full register snapshot in wire order
func (b *Bridge) WriteSnapshot(data []byte) error {
	if len(data) != b.target.SnapshotBytes() {
		return utils.MakeError(ErrBadSnapshot, "got %d bytes, layout needs %d",
			len(data), b.target.SnapshotBytes())
	}
	offset := 0
	for i := 0; i < b.machine.NumRegisters(); i++ {
		width := b.target.RegisterBytes(i)
		if err := b.machine.SetRegister(i, littleEndianValue(data[offset:offset+width])); err != nil {
			return err
		}
		offset += width
	}
	b.machine.SetPC(littleEndianValue(data[offset:]))
	return nil
}

// ReadRegister reads a single wire register; the index past the last
// general-purpose register addresses the program counter.
func (b *Bridge) ReadRegister(index int) ([]byte, error) {
	if index < 0 || index >= b.target.NumRegisters() {
		return nil, utils.MakeError(ErrBadRegister, "%d", index)
	}
	if index == b.target.PCIndex() {
		return appendLittleEndian(nil, b.machine.PC(), b.target.RegisterBytes(index)), nil
	}
	value, err := b.machine.Register(index)
	if err != nil {
		return nil, err
	}
	return appendLittleEndian(nil, value, b.target.RegisterBytes(index)), nil
}

// WriteRegister writes a single wire register from little-endian bytes
func (b *Bridge) WriteRegister(index int, data []byte) error {
	if index < 0 || index >= b.target.NumRegisters() {
		return utils.MakeError(ErrBadRegister, "%d", index)
	}
	if len(data) > b.target.RegisterBytes(index) {
		return utils.MakeError(ErrBadSnapshot, "register %d value of %d bytes exceeds width %d",
			index, len(data), b.target.RegisterBytes(index))
	}
	value := littleEndianValue(data)
	if index == b.target.PCIndex() {
		b.machine.SetPC(value)
		return nil
	}
	return b.machine.SetRegister(index, value)
}

// ReadMemory reads guest memory after validating the range, masking out
// breakpoint trap encodings with the saved original bytes.
func (b *Bridge) ReadMemory(addr uint64, length uint64) ([]byte, error) {
	if err := b.checkRange(addr, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if err := b.machine.ReadMemory(addr, buf); err != nil {
		return nil, err
	}
	b.breakpoints.OverlayOriginals(addr, buf)
	return buf, nil
}

// WriteMemory writes guest memory after validating the range. Bytes that
// land on a patched address write through the patch (see
// BreakpointTable.RecordWrite).
func (b *Bridge) WriteMemory(addr uint64, data []byte) error {
	if err := b.checkRange(addr, uint64(len(data))); err != nil {
		return err
	}
	if err := b.machine.WriteMemory(addr, data); err != nil {
		return err
	}
	return b.breakpoints.RecordWrite(addr, data)
}

func (b *Bridge) checkRange(addr uint64, length uint64) error {
	size := b.machine.MemorySize()
	if addr > size || length > size-addr {
		return utils.MakeError(ErrOutOfRange, "[0x%x, 0x%x+%d)", addr, addr, length)
	}
	return nil
}

func appendLittleEndian(out []byte, value uint64, width int) []byte {
	for i := 0; i < width; i++ {
		out = append(out, byte(value>>(i*utils.BitsPerByte)))
	}
	return out
}

func littleEndianValue(data []byte) uint64 {
	var value uint64
	for i, b := range data {
		value |= uint64(b) << (i * utils.BitsPerByte)
	}
	return value
}
