package vm

import (
	"encoding/binary"

	"github.com/Manu343726/gdbridge/pkg/utils"
)

// RISC-V RV64 register file layout
const (
	// RV64RegisterCount is the number of general-purpose registers (x0-x31)
	RV64RegisterCount = 32
	// RV64RegisterBytes is the byte width of a register value
	RV64RegisterBytes = 8
	// RV64InstructionBytes is the width of a base ISA instruction
	RV64InstructionBytes = 4
)

// ABI register indices used by the machine and its tests
const (
	RegZero = 0  // x0, hardwired to zero
	RegRA   = 1  // return address
	RegSP   = 2  // stack pointer
	RegA0   = 10 // first argument / return value
	RegA7   = 17 // syscall number
)

// SyscallExit is the RV64 Linux exit syscall number (a7 value)
const SyscallExit = 93

// RV64 is a compact RV64I interpreter implementing the Machine interface.
// It executes the base integer ISA only: 4-byte instructions, no compressed
// encodings. EBREAK reports TrapBreakpoint with the program counter left at
// the trapping instruction, which is what the breakpoint table relies on.
type RV64 struct {
	regs [RV64RegisterCount]uint64
	pc   uint64
	mem  []byte

	exited   bool
	exitCode int
}

// NewRV64 creates a machine with the given amount of flat byte-addressable
// memory, all registers zeroed and the stack pointer at the top of memory.
func NewRV64(memorySize uint64) *RV64 {
	m := &RV64{
		mem: make([]byte, memorySize),
	}
	m.regs[RegSP] = memorySize
	return m
}

// PC returns the current program counter
func (m *RV64) PC() uint64 {
	return m.pc
}

// SetPC sets the program counter
func (m *RV64) SetPC(addr uint64) {
	m.pc = addr
}

// NumRegisters returns the size of the general-purpose register file
func (m *RV64) NumRegisters() int {
	return RV64RegisterCount
}

// Register returns the value of a general-purpose register by index
func (m *RV64) Register(index int) (uint64, error) {
	if index < 0 || index >= RV64RegisterCount {
		return 0, utils.MakeError(ErrRegisterIndex, "x%d", index)
	}
	return m.regs[index], nil
}

// SetRegister sets a general-purpose register by index. Writes to x0 are
// discarded, matching the hardwired zero register.
func (m *RV64) SetRegister(index int, value uint64) error {
	if index < 0 || index >= RV64RegisterCount {
		return utils.MakeError(ErrRegisterIndex, "x%d", index)
	}
	if index != RegZero {
		m.regs[index] = value
	}
	return nil
}

// MemorySize returns the size of addressable guest memory in bytes
func (m *RV64) MemorySize() uint64 {
	return uint64(len(m.mem))
}

// ReadMemory fills buf with guest memory starting at addr
func (m *RV64) ReadMemory(addr uint64, buf []byte) error {
	if !m.inRange(addr, uint64(len(buf))) {
		return utils.MakeError(ErrMemoryRange, "read of %d bytes at 0x%x", len(buf), addr)
	}
	copy(buf, m.mem[addr:])
	return nil
}

// WriteMemory copies data into guest memory starting at addr
func (m *RV64) WriteMemory(addr uint64, data []byte) error {
	if !m.inRange(addr, uint64(len(data))) {
		return utils.MakeError(ErrMemoryRange, "write of %d bytes at 0x%x", len(data), addr)
	}
	copy(m.mem[addr:], data)
	return nil
}

// Exited reports the guest exit code once the program has terminated
func (m *RV64) Exited() (int, bool) {
	return m.exitCode, m.exited
}

func (m *RV64) inRange(addr uint64, size uint64) bool {
	return addr <= uint64(len(m.mem)) && size <= uint64(len(m.mem))-addr
}

func (m *RV64) setReg(index uint32, value uint64) {
	if index != RegZero {
		m.regs[index] = value
	}
}

// Step executes one instruction. The program counter advances past the
// instruction unless it trapped or branched.
func (m *RV64) Step() Trap {
	if m.exited {
		return TrapNone
	}
	if !m.inRange(m.pc, RV64InstructionBytes) {
		return TrapMemoryFault
	}
	word := binary.LittleEndian.Uint32(m.mem[m.pc:])

	opcode := utils.ExtractBits(word, 0, 7)
	rd := utils.ExtractBits(word, 7, 5)
	funct3 := utils.ExtractBits(word, 12, 3)
	rs1 := m.regs[utils.ExtractBits(word, 15, 5)]
	rs2 := m.regs[utils.ExtractBits(word, 20, 5)]
	funct7 := utils.ExtractBits(word, 25, 7)

	next := m.pc + RV64InstructionBytes

	switch opcode {
	case 0x37: // LUI
		m.setReg(rd, utils.SignExtend(uint64(word)&0xFFFFF000, 32))

	case 0x17: // AUIPC
		m.setReg(rd, m.pc+utils.SignExtend(uint64(word)&0xFFFFF000, 32))

	case 0x13: // OP-IMM
		imm := immI(word)
		switch funct3 {
		case 0x0: // ADDI
			m.setReg(rd, rs1+imm)
		case 0x2: // SLTI
			m.setReg(rd, boolToReg(int64(rs1) < int64(imm)))
		case 0x3: // SLTIU
			m.setReg(rd, boolToReg(rs1 < imm))
		case 0x4: // XORI
			m.setReg(rd, rs1^imm)
		case 0x6: // ORI
			m.setReg(rd, rs1|imm)
		case 0x7: // ANDI
			m.setReg(rd, rs1&imm)
		case 0x1: // SLLI
			m.setReg(rd, rs1<<(imm&0x3F))
		case 0x5: // SRLI / SRAI
			shamt := imm & 0x3F
			if utils.ExtractBits(word, 30, 1) == 1 {
				m.setReg(rd, uint64(int64(rs1)>>shamt))
			} else {
				m.setReg(rd, rs1>>shamt)
			}
		default:
			return TrapIllegalInstruction
		}

	case 0x33: // OP
		switch {
		case funct3 == 0x0 && funct7 == 0x00: // ADD
			m.setReg(rd, rs1+rs2)
		case funct3 == 0x0 && funct7 == 0x20: // SUB
			m.setReg(rd, rs1-rs2)
		case funct3 == 0x1 && funct7 == 0x00: // SLL
			m.setReg(rd, rs1<<(rs2&0x3F))
		case funct3 == 0x2 && funct7 == 0x00: // SLT
			m.setReg(rd, boolToReg(int64(rs1) < int64(rs2)))
		case funct3 == 0x3 && funct7 == 0x00: // SLTU
			m.setReg(rd, boolToReg(rs1 < rs2))
		case funct3 == 0x4 && funct7 == 0x00: // XOR
			m.setReg(rd, rs1^rs2)
		case funct3 == 0x5 && funct7 == 0x00: // SRL
			m.setReg(rd, rs1>>(rs2&0x3F))
		case funct3 == 0x5 && funct7 == 0x20: // SRA
			m.setReg(rd, uint64(int64(rs1)>>(rs2&0x3F)))
		case funct3 == 0x6 && funct7 == 0x00: // OR
			m.setReg(rd, rs1|rs2)
		case funct3 == 0x7 && funct7 == 0x00: // AND
			m.setReg(rd, rs1&rs2)
		default:
			return TrapIllegalInstruction
		}

	case 0x6F: // JAL
		m.setReg(rd, next)
		next = m.pc + immJ(word)

	case 0x67: // JALR
		if funct3 != 0x0 {
			return TrapIllegalInstruction
		}
		target := (rs1 + immI(word)) &^ 1
		m.setReg(rd, next)
		next = target

	case 0x63: // BRANCH
		taken := false
		switch funct3 {
		case 0x0: // BEQ
			taken = rs1 == rs2
		case 0x1: // BNE
			taken = rs1 != rs2
		case 0x4: // BLT
			taken = int64(rs1) < int64(rs2)
		case 0x5: // BGE
			taken = int64(rs1) >= int64(rs2)
		case 0x6: // BLTU
			taken = rs1 < rs2
		case 0x7: // BGEU
			taken = rs1 >= rs2
		default:
			return TrapIllegalInstruction
		}
		if taken {
			next = m.pc + immB(word)
		}

	case 0x03: // LOAD
		addr := rs1 + immI(word)
		size, ok := loadSize(funct3)
		if !ok {
			return TrapIllegalInstruction
		}
		if !m.inRange(addr, uint64(size)) {
			return TrapMemoryFault
		}
		var raw uint64
		for i := 0; i < size; i++ {
			raw |= uint64(m.mem[addr+uint64(i)]) << (i * utils.BitsPerByte)
		}
		if signedLoad(funct3) {
			raw = utils.SignExtend(raw, utils.Bits(size))
		}
		m.setReg(rd, raw)

	case 0x23: // STORE
		addr := rs1 + immS(word)
		size := 1 << funct3
		if funct3 > 0x3 {
			return TrapIllegalInstruction
		}
		if !m.inRange(addr, uint64(size)) {
			return TrapMemoryFault
		}
		for i := 0; i < size; i++ {
			m.mem[addr+uint64(i)] = byte(rs2 >> (i * utils.BitsPerByte))
		}

	case 0x73: // SYSTEM
		switch utils.ExtractBits(word, 20, 12) {
		case 0x0: // ECALL
			if m.regs[RegA7] != SyscallExit {
				return TrapIllegalInstruction
			}
			m.exited = true
			m.exitCode = int(uint8(m.regs[RegA0]))
			return TrapNone
		case 0x1: // EBREAK
			return TrapBreakpoint
		default:
			return TrapIllegalInstruction
		}

	default:
		return TrapIllegalInstruction
	}

	m.pc = next
	return TrapNone
}

func boolToReg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func loadSize(funct3 uint32) (int, bool) {
	switch funct3 {
	case 0x0, 0x4: // LB, LBU
		return 1, true
	case 0x1, 0x5: // LH, LHU
		return 2, true
	case 0x2, 0x6: // LW, LWU
		return 4, true
	case 0x3: // LD
		return 8, true
	default:
		return 0, false
	}
}

func signedLoad(funct3 uint32) bool {
	return funct3 <= 0x3
}

// Immediate decoders for the base instruction formats. All return the
// immediate sign-extended to 64 bits.

func immI(word uint32) uint64 {
	return utils.SignExtend(uint64(word>>20), 12)
}

func immS(word uint32) uint64 {
	imm := utils.ExtractBits(word, 25, 7)<<5 | utils.ExtractBits(word, 7, 5)
	return utils.SignExtend(uint64(imm), 12)
}

func immB(word uint32) uint64 {
	imm := utils.ExtractBits(word, 31, 1)<<12 |
		utils.ExtractBits(word, 7, 1)<<11 |
		utils.ExtractBits(word, 25, 6)<<5 |
		utils.ExtractBits(word, 8, 4)<<1
	return utils.SignExtend(uint64(imm), 13)
}

func immJ(word uint32) uint64 {
	imm := utils.ExtractBits(word, 31, 1)<<20 |
		utils.ExtractBits(word, 12, 8)<<12 |
		utils.ExtractBits(word, 20, 1)<<11 |
		utils.ExtractBits(word, 21, 10)<<1
	return utils.SignExtend(uint64(imm), 21)
}
