package stub

import (
	"io"
	"log/slog"
	"testing"

	"github.com/Manu343726/gdbridge/pkg/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTable(t *testing.T, words ...uint32) (*vm.RV64, *BreakpointTable) {
	t.Helper()
	machine := vm.NewRV64(4096)
	require.NoError(t, vm.LoadImage(machine, vm.Assemble(words...), 0))
	return machine, NewBreakpointTable(machine, trapInstruction(), testLogger())
}

func rawMemory(t *testing.T, machine vm.Machine, addr uint64, length int) []byte {
	t.Helper()
	buf := make([]byte, length)
	require.NoError(t, machine.ReadMemory(addr, buf))
	return buf
}

func TestBreakpointTable_Insert(t *testing.T) {
	instr := vm.ADDI(5, 0, 1)
	machine, table := newTable(t, instr, instr, instr)

	t.Run("plants the trap encoding", func(t *testing.T) {
		require.NoError(t, table.Insert(4))

		assert.True(t, table.IsSet(4))
		assert.Equal(t, 1, table.Len())
		assert.Equal(t, trapInstruction(), rawMemory(t, machine, 4, 4))

		original, found := table.OriginalBytes(4)
		require.True(t, found)
		assert.Equal(t, vm.Assemble(instr), original)
	})

	t.Run("duplicate insert is idempotent", func(t *testing.T) {
		require.NoError(t, table.Insert(4))
		assert.Equal(t, 1, table.Len())

		// the bytes saved by the first insert survive, not the trap
		original, found := table.OriginalBytes(4)
		require.True(t, found)
		assert.Equal(t, vm.Assemble(instr), original)
	})

	t.Run("unmapped address", func(t *testing.T) {
		err := table.Insert(100000)
		assert.ErrorIs(t, err, ErrOutOfRange)
		assert.False(t, table.IsSet(100000))
	})
}

func TestBreakpointTable_Remove(t *testing.T) {
	instr := vm.ADDI(5, 0, 1)
	machine, table := newTable(t, instr, instr)

	t.Run("restores the original bytes", func(t *testing.T) {
		require.NoError(t, table.Insert(0))
		require.NoError(t, table.Remove(0))

		assert.False(t, table.IsSet(0))
		assert.Equal(t, vm.Assemble(instr), rawMemory(t, machine, 0, 4))
	})

	t.Run("removing a missing breakpoint fails", func(t *testing.T) {
		assert.ErrorIs(t, table.Remove(0), ErrNoBreakpoint)
	})
}

func TestBreakpointTable_Addresses(t *testing.T) {
	_, table := newTable(t, 0, 0, 0, 0, 0)

	require.NoError(t, table.Insert(16))
	require.NoError(t, table.Insert(0))
	require.NoError(t, table.Insert(8))

	assert.Equal(t, []uint64{0, 8, 16}, table.Addresses())
}

func TestBreakpointTable_LiftReplant(t *testing.T) {
	instr := vm.ADDI(5, 0, 1)
	machine, table := newTable(t, instr)

	require.NoError(t, table.Insert(0))

	t.Run("lift restores the instruction but keeps the entry", func(t *testing.T) {
		require.NoError(t, table.Lift(0))
		assert.Equal(t, vm.Assemble(instr), rawMemory(t, machine, 0, 4))
		assert.True(t, table.IsSet(0))
	})

	t.Run("replant puts the trap back", func(t *testing.T) {
		require.NoError(t, table.Replant(0))
		assert.Equal(t, trapInstruction(), rawMemory(t, machine, 0, 4))
	})

	t.Run("replant after remove is a no-op", func(t *testing.T) {
		require.NoError(t, table.Lift(0))
		require.NoError(t, table.Remove(0))
		require.NoError(t, table.Replant(0))
		assert.Equal(t, vm.Assemble(instr), rawMemory(t, machine, 0, 4))
	})

	t.Run("lifting a missing breakpoint fails", func(t *testing.T) {
		assert.ErrorIs(t, table.Lift(0), ErrNoBreakpoint)
	})
}

func TestBreakpointTable_RestoreAll(t *testing.T) {
	instr := vm.ADDI(5, 0, 1)
	machine, table := newTable(t, instr, instr, instr)

	require.NoError(t, table.Insert(0))
	require.NoError(t, table.Insert(8))
	require.NoError(t, table.RestoreAll())

	assert.Equal(t, 0, table.Len())
	assert.Equal(t, vm.Assemble(instr, instr, instr), rawMemory(t, machine, 0, 12))
}

func TestBreakpointTable_Abandon(t *testing.T) {
	instr := vm.ADDI(5, 0, 1)
	machine, table := newTable(t, instr)

	require.NoError(t, table.Insert(0))
	table.Abandon()

	// entries are gone but memory keeps the trap: nothing restores it
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, trapInstruction(), rawMemory(t, machine, 0, 4))
}

func TestBreakpointTable_OverlayOriginals(t *testing.T) {
	instr := vm.ADDI(5, 0, 1)
	machine, table := newTable(t, instr, instr, instr)

	require.NoError(t, table.Insert(4))

	t.Run("full overlap", func(t *testing.T) {
		buf := rawMemory(t, machine, 0, 12)
		table.OverlayOriginals(0, buf)
		assert.Equal(t, vm.Assemble(instr, instr, instr), buf)
	})

	t.Run("partial overlap", func(t *testing.T) {
		// read cuts through the middle of the patch at [4,8)
		buf := rawMemory(t, machine, 6, 4)
		table.OverlayOriginals(6, buf)

		bytes := vm.Assemble(instr)
		want := []byte{bytes[2], bytes[3], bytes[0], bytes[1]}
		assert.Equal(t, want, buf)
	})

	t.Run("lifted patches are left alone", func(t *testing.T) {
		require.NoError(t, table.Lift(4))
		buf := rawMemory(t, machine, 4, 4)
		table.OverlayOriginals(4, buf)
		assert.Equal(t, vm.Assemble(instr), buf)
		require.NoError(t, table.Replant(4))
	})
}

func TestBreakpointTable_RecordWrite(t *testing.T) {
	instr := vm.ADDI(5, 0, 1)
	patched := vm.ADDI(6, 0, 2)
	machine, table := newTable(t, instr, instr)

	require.NoError(t, table.Insert(0))

	// the debugger writes new code over the patched address
	require.NoError(t, machine.WriteMemory(0, vm.Assemble(patched)))
	require.NoError(t, table.RecordWrite(0, vm.Assemble(patched)))

	t.Run("the trap stays planted", func(t *testing.T) {
		assert.Equal(t, trapInstruction(), rawMemory(t, machine, 0, 4))
	})

	t.Run("the write is absorbed into the saved bytes", func(t *testing.T) {
		original, found := table.OriginalBytes(0)
		require.True(t, found)
		assert.Equal(t, vm.Assemble(patched), original)
	})

	t.Run("remove restores what the debugger last wrote", func(t *testing.T) {
		require.NoError(t, table.Remove(0))
		assert.Equal(t, vm.Assemble(patched), rawMemory(t, machine, 0, 4))
	})
}
