package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run loads a program at address 0 and steps until the machine exits,
// traps or maxSteps is reached
func run(t *testing.T, m *RV64, maxSteps int) Trap {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		if _, exited := m.Exited(); exited {
			return TrapNone
		}
		if trap := m.Step(); trap != TrapNone {
			return trap
		}
	}
	t.Fatalf("program did not finish within %d steps", maxSteps)
	return TrapNone
}

func newMachine(t *testing.T, words ...uint32) *RV64 {
	t.Helper()
	m := NewRV64(4096)
	require.NoError(t, LoadImage(m, Assemble(words...), 0))
	return m
}

func TestNewRV64(t *testing.T) {
	m := NewRV64(1024)

	assert.Equal(t, uint64(1024), m.MemorySize())
	assert.Equal(t, uint64(0), m.PC())
	assert.Equal(t, RV64RegisterCount, m.NumRegisters())

	// stack pointer starts at the top of memory
	sp, err := m.Register(RegSP)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), sp)

	_, exited := m.Exited()
	assert.False(t, exited)
}

func TestRV64_RegisterAccess(t *testing.T) {
	m := NewRV64(1024)

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, m.SetRegister(5, 0xDEADBEEF))
		value, err := m.Register(5)
		require.NoError(t, err)
		assert.Equal(t, uint64(0xDEADBEEF), value)
	})

	t.Run("x0 stays zero", func(t *testing.T) {
		require.NoError(t, m.SetRegister(RegZero, 0xFFFF))
		value, err := m.Register(RegZero)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), value)
	})

	t.Run("index out of range", func(t *testing.T) {
		_, err := m.Register(32)
		assert.ErrorIs(t, err, ErrRegisterIndex)

		err = m.SetRegister(-1, 1)
		assert.ErrorIs(t, err, ErrRegisterIndex)
	})
}

func TestRV64_MemoryAccess(t *testing.T) {
	m := NewRV64(1024)

	t.Run("write and read", func(t *testing.T) {
		require.NoError(t, m.WriteMemory(0x100, []byte{1, 2, 3, 4}))
		buf := make([]byte, 4)
		require.NoError(t, m.ReadMemory(0x100, buf))
		assert.Equal(t, []byte{1, 2, 3, 4}, buf)
	})

	t.Run("out of range", func(t *testing.T) {
		assert.ErrorIs(t, m.WriteMemory(1023, []byte{1, 2}), ErrMemoryRange)
		assert.ErrorIs(t, m.ReadMemory(1024, make([]byte, 1)), ErrMemoryRange)
	})

	t.Run("empty access at the boundary", func(t *testing.T) {
		assert.NoError(t, m.ReadMemory(1024, nil))
	})
}

func TestRV64_Arithmetic(t *testing.T) {
	tests := []struct {
		name    string
		program []uint32
		reg     int
		want    uint64
	}{
		{
			name:    "addi",
			program: []uint32{ADDI(5, RegZero, 42)},
			reg:     5,
			want:    42,
		},
		{
			name:    "addi negative",
			program: []uint32{ADDI(5, RegZero, -1)},
			reg:     5,
			want:    0xFFFFFFFFFFFFFFFF,
		},
		{
			name: "add",
			program: []uint32{
				ADDI(5, RegZero, 40),
				ADDI(6, RegZero, 2),
				ADD(7, 5, 6),
			},
			reg:  7,
			want: 42,
		},
		{
			name: "sub",
			program: []uint32{
				ADDI(5, RegZero, 40),
				ADDI(6, RegZero, 2),
				SUB(7, 5, 6),
			},
			reg:  7,
			want: 38,
		},
		{
			name:    "lui",
			program: []uint32{LUI(5, 0x12345)},
			reg:     5,
			want:    0x12345000,
		},
		{
			name:    "writes to x0 are discarded",
			program: []uint32{ADDI(RegZero, RegZero, 42)},
			reg:     RegZero,
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t, tt.program...)
			for range tt.program {
				require.Equal(t, TrapNone, m.Step())
			}
			value, err := m.Register(tt.reg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, value)
		})
	}
}

func TestRV64_Branches(t *testing.T) {
	t.Run("taken branch skips instructions", func(t *testing.T) {
		m := newMachine(t,
			ADDI(5, RegZero, 1),
			BEQ(5, 5, 8), // skip the next instruction
			ADDI(6, RegZero, 99),
			ADDI(7, RegZero, 1),
		)
		require.Equal(t, TrapNone, m.Step())
		require.Equal(t, TrapNone, m.Step())
		assert.Equal(t, uint64(12), m.PC())

		require.Equal(t, TrapNone, m.Step())
		skipped, err := m.Register(6)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), skipped)
	})

	t.Run("not taken branch falls through", func(t *testing.T) {
		m := newMachine(t,
			BNE(RegZero, RegZero, 8),
			ADDI(6, RegZero, 7),
		)
		require.Equal(t, TrapNone, m.Step())
		assert.Equal(t, uint64(4), m.PC())
	})

	t.Run("backward branch loops", func(t *testing.T) {
		// count x5 up to 3
		m := newMachine(t,
			ADDI(5, 5, 1),
			ADDI(6, RegZero, 3),
			BNE(5, 6, -8),
			EBREAK,
		)
		trap := run(t, m, 100)
		assert.Equal(t, TrapBreakpoint, trap)

		count, err := m.Register(5)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), count)
	})
}

func TestRV64_Jumps(t *testing.T) {
	t.Run("jal saves return address", func(t *testing.T) {
		m := newMachine(t, JAL(RegRA, 12))
		require.Equal(t, TrapNone, m.Step())
		assert.Equal(t, uint64(12), m.PC())

		ra, err := m.Register(RegRA)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), ra)
	})

	t.Run("jalr returns through a register", func(t *testing.T) {
		m := newMachine(t,
			ADDI(5, RegZero, 16),
			JALR(RegRA, 5, 4),
		)
		require.Equal(t, TrapNone, m.Step())
		require.Equal(t, TrapNone, m.Step())
		assert.Equal(t, uint64(20), m.PC())
	})

	t.Run("jal to self is an infinite loop", func(t *testing.T) {
		m := newMachine(t, JAL(RegZero, 0))
		for i := 0; i < 10; i++ {
			require.Equal(t, TrapNone, m.Step())
			assert.Equal(t, uint64(0), m.PC())
		}
	})
}

func TestRV64_LoadStore(t *testing.T) {
	t.Run("sd then ld round trips", func(t *testing.T) {
		m := newMachine(t,
			ADDI(5, RegZero, 0x100),
			ADDI(6, RegZero, -2),
			SD(5, 6, 8),
			LD(7, 5, 8),
		)
		for i := 0; i < 4; i++ {
			require.Equal(t, TrapNone, m.Step())
		}
		value, err := m.Register(7)
		require.NoError(t, err)
		assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFE), value)
	})

	t.Run("load outside memory faults", func(t *testing.T) {
		m := newMachine(t, LD(7, RegSP, 0)) // sp starts at the top of memory
		assert.Equal(t, TrapMemoryFault, m.Step())
		assert.Equal(t, uint64(0), m.PC(), "pc stays at the faulting instruction")
	})

	t.Run("store outside memory faults", func(t *testing.T) {
		m := newMachine(t, SD(RegSP, 5, 0))
		assert.Equal(t, TrapMemoryFault, m.Step())
	})
}

func TestRV64_Traps(t *testing.T) {
	t.Run("ebreak leaves pc at the trap", func(t *testing.T) {
		m := newMachine(t, ADDI(5, RegZero, 1), EBREAK)
		require.Equal(t, TrapNone, m.Step())
		assert.Equal(t, TrapBreakpoint, m.Step())
		assert.Equal(t, uint64(4), m.PC())
	})

	t.Run("illegal instruction", func(t *testing.T) {
		m := NewRV64(4096)
		require.NoError(t, m.WriteMemory(0, []byte{0xFF, 0xFF, 0xFF, 0xFF}))
		assert.Equal(t, TrapIllegalInstruction, m.Step())
		assert.Equal(t, uint64(0), m.PC())
	})

	t.Run("fetch outside memory faults", func(t *testing.T) {
		m := NewRV64(4096)
		m.SetPC(4096)
		assert.Equal(t, TrapMemoryFault, m.Step())
	})

	t.Run("ecall with unknown syscall is illegal", func(t *testing.T) {
		m := newMachine(t, ECALL) // a7 is zero
		assert.Equal(t, TrapIllegalInstruction, m.Step())
	})
}

func TestRV64_Exit(t *testing.T) {
	t.Run("exit syscall terminates with the a0 code", func(t *testing.T) {
		m := newMachine(t, Exit(42)...)
		trap := run(t, m, 10)
		require.Equal(t, TrapNone, trap)

		code, exited := m.Exited()
		assert.True(t, exited)
		assert.Equal(t, 42, code)
	})

	t.Run("exit code is truncated to a byte", func(t *testing.T) {
		m := newMachine(t, Exit(0x1FF)...)
		run(t, m, 10)

		code, exited := m.Exited()
		assert.True(t, exited)
		assert.Equal(t, 0xFF, code)
	})

	t.Run("stepping after exit is a no-op", func(t *testing.T) {
		m := newMachine(t, Exit(0)...)
		run(t, m, 10)

		pc := m.PC()
		assert.Equal(t, TrapNone, m.Step())
		assert.Equal(t, pc, m.PC())
	})
}

func TestLoadImage(t *testing.T) {
	t.Run("copies the image at the base address", func(t *testing.T) {
		m := NewRV64(1024)
		require.NoError(t, LoadImage(m, []byte{1, 2, 3}, 0x80))

		buf := make([]byte, 3)
		require.NoError(t, m.ReadMemory(0x80, buf))
		assert.Equal(t, []byte{1, 2, 3}, buf)
	})

	t.Run("rejects images that do not fit", func(t *testing.T) {
		m := NewRV64(16)
		err := LoadImage(m, make([]byte, 32), 0)
		assert.ErrorIs(t, err, ErrMemoryRange)
	})
}
