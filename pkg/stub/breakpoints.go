package stub

import (
	"log/slog"

	"github.com/Manu343726/gdbridge/pkg/utils"
	"github.com/Manu343726/gdbridge/pkg/vm"
	"github.com/emirpasic/gods/maps/treemap"
	godsutils "github.com/emirpasic/gods/utils"
)

// Breakpoint is a software breakpoint: a guest address whose instruction
// bytes were replaced by the trap encoding, together with the bytes it
// displaced
type Breakpoint struct {
	// Address is the guest address of the patched instruction
	Address uint64
	// original holds the instruction bytes the trap encoding replaced
	original []byte
	// planted tracks whether the trap encoding is currently in VM memory
	planted bool
}

// OriginalBytes returns a copy of the instruction bytes the breakpoint displaced
func (b *Breakpoint) OriginalBytes() []byte {
	out := make([]byte, len(b.original))
	copy(out, b.original)
	return out
}

// BreakpointTable owns all software breakpoints of a session. It is the
// single source of truth for original instruction bytes: memory reads and
// writes that overlap a patch are routed through it so the debugger never
// observes trap encodings and never desynchronizes the saved bytes.
//
// The table is mutated only by the flow executing the controller; it needs
// no internal locking.
type BreakpointTable struct {
	machine vm.Machine
	trap    []byte
	entries *treemap.Map // uint64 -> *Breakpoint, ordered by address
	log     *slog.Logger
}

// NewBreakpointTable creates a table planting the given trap instruction
// encoding. The encoding length defines the patch width.
func NewBreakpointTable(machine vm.Machine, trap []byte, log *slog.Logger) *BreakpointTable {
	return &BreakpointTable{
		machine: machine,
		trap:    trap,
		entries: treemap.NewWith(godsutils.UInt64Comparator),
		log:     log,
	}
}

// Len returns the number of breakpoints currently set
func (t *BreakpointTable) Len() int {
	return t.entries.Size()
}

// Addresses returns all breakpoint addresses in ascending order
func (t *BreakpointTable) Addresses() []uint64 {
	keys := t.entries.Keys()
	addrs := make([]uint64, len(keys))
	for i, k := range keys {
		addrs[i] = k.(uint64)
	}
	return addrs
}

// IsSet reports whether a breakpoint exists at addr
func (t *BreakpointTable) IsSet(addr uint64) bool {
	_, found := t.entries.Get(addr)
	return found
}

// OriginalBytes returns the saved instruction bytes for addr
func (t *BreakpointTable) OriginalBytes(addr uint64) ([]byte, bool) {
	entry, found := t.entries.Get(addr)
	if !found {
		return nil, false
	}
	return entry.(*Breakpoint).OriginalBytes(), true
}

// Insert saves the instruction bytes at addr and plants the trap encoding
// over them. Inserting an address that already has a breakpoint is an
// idempotent success: the entry, and in particular the bytes saved by the
// first insert, are left untouched.
func (t *BreakpointTable) Insert(addr uint64) error {
	if t.IsSet(addr) {
		t.log.Debug("breakpoint already set", "addr", addr)
		return nil
	}

	original := make([]byte, len(t.trap))
	if err := t.machine.ReadMemory(addr, original); err != nil {
		return utils.MakeError(ErrOutOfRange, "breakpoint at 0x%x: %v", addr, err)
	}
	if err := t.machine.WriteMemory(addr, t.trap); err != nil {
		return utils.MakeError(ErrOutOfRange, "breakpoint at 0x%x: %v", addr, err)
	}

	t.entries.Put(addr, &Breakpoint{Address: addr, original: original, planted: true})
	t.log.Debug("breakpoint inserted", "addr", addr, "total", t.Len())
	return nil
}

// Remove restores the saved instruction bytes and discards the entry.
// Removing an address with no breakpoint is an error for the dispatcher
// but not fatal to the session.
func (t *BreakpointTable) Remove(addr uint64) error {
	entry, found := t.entries.Get(addr)
	if !found {
		return utils.MakeError(ErrNoBreakpoint, "0x%x", addr)
	}
	bp := entry.(*Breakpoint)
	if bp.planted {
		if err := t.machine.WriteMemory(addr, bp.original); err != nil {
			return utils.MakeError(ErrOutOfRange, "restoring 0x%x: %v", addr, err)
		}
	}
	t.entries.Remove(addr)
	t.log.Debug("breakpoint removed", "addr", addr, "total", t.Len())
	return nil
}

// Lift temporarily restores the original bytes at addr so the machine can
// execute the real instruction. The entry stays set; Replant puts the trap
// encoding back.
func (t *BreakpointTable) Lift(addr uint64) error {
	entry, found := t.entries.Get(addr)
	if !found {
		return utils.MakeError(ErrNoBreakpoint, "0x%x", addr)
	}
	bp := entry.(*Breakpoint)
	if !bp.planted {
		return nil
	}
	if err := t.machine.WriteMemory(addr, bp.original); err != nil {
		return err
	}
	bp.planted = false
	return nil
}

// Replant rewrites the trap encoding at addr after a Lift. It no-ops when
// the breakpoint was removed in between.
func (t *BreakpointTable) Replant(addr uint64) error {
	entry, found := t.entries.Get(addr)
	if !found {
		return nil
	}
	bp := entry.(*Breakpoint)
	if bp.planted {
		return nil
	}
	if err := t.machine.WriteMemory(addr, t.trap); err != nil {
		return err
	}
	bp.planted = true
	return nil
}

// RestoreAll removes every breakpoint, restoring original bytes. Used on
// orderly detach so the guest ends up with a clean code image.
func (t *BreakpointTable) RestoreAll() error {
	for _, addr := range t.Addresses() {
		if err := t.Remove(addr); err != nil {
			return err
		}
	}
	return nil
}

// Abandon drops all entries without touching VM memory. Used when the
// transport dies: the VM's lifetime ends with the session, so there is
// nothing worth restoring.
func (t *BreakpointTable) Abandon() {
	t.entries.Clear()
}

// OverlayOriginals replaces trap encodings in buf, which was read from
// guest memory starting at addr, with the saved original bytes, so the
// debugger sees the program as written.
func (t *BreakpointTable) OverlayOriginals(addr uint64, buf []byte) {
	end := addr + uint64(len(buf))
	t.entries.Each(func(key, value interface{}) {
		bp := value.(*Breakpoint)
		if !bp.planted {
			return
		}
		for i, b := range bp.original {
			pos := bp.Address + uint64(i)
			if pos >= addr && pos < end {
				buf[pos-addr] = b
			}
		}
	})
}

// RecordWrite makes a raw guest memory write at addr write through active
// patches: the overlapping bytes are absorbed into the saved originals and
// the trap encoding is re-asserted in VM memory, so a later Remove restores
// what the debugger last wrote.
func (t *BreakpointTable) RecordWrite(addr uint64, data []byte) error {
	end := addr + uint64(len(data))
	var replantErr error
	t.entries.Each(func(key, value interface{}) {
		bp := value.(*Breakpoint)
		if !bp.planted {
			return
		}
		overlaps := false
		for i := range bp.original {
			pos := bp.Address + uint64(i)
			if pos >= addr && pos < end {
				bp.original[i] = data[pos-addr]
				overlaps = true
			}
		}
		if overlaps && replantErr == nil {
			replantErr = t.machine.WriteMemory(bp.Address, t.trap)
		}
	})
	return replantErr
}
