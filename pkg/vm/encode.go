package vm

import (
	"encoding/binary"

	"github.com/Manu343726/gdbridge/pkg/utils"
)

// Instruction encoders for the RV64I subset understood by the machine.
// These are factories in the spirit of an assembler backend: the serve
// command does not need them, but tests assemble guest programs with them
// instead of hardcoding opaque instruction words.

// EBREAK is the trap instruction planted by software breakpoints
const EBREAK uint32 = 0x00100073

// ECALL requests an environment call (only the exit syscall is implemented)
const ECALL uint32 = 0x00000073

func encodeR(opcode, funct3, funct7 uint32, rd, rs1, rs2 int) uint32 {
	return funct7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode
}

func encodeI(opcode, funct3 uint32, rd, rs1 int, imm int32) uint32 {
	return uint32(imm)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode
}

func encodeS(opcode, funct3 uint32, rs1, rs2 int, imm int32) uint32 {
	i := uint32(imm)
	return utils.ExtractBits(i, 5, 7)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 |
		funct3<<12 | utils.ExtractBits(i, 0, 5)<<7 | opcode
}

func encodeB(opcode, funct3 uint32, rs1, rs2 int, offset int32) uint32 {
	i := uint32(offset)
	return utils.ExtractBits(i, 12, 1)<<31 | utils.ExtractBits(i, 5, 6)<<25 |
		uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 |
		utils.ExtractBits(i, 1, 4)<<8 | utils.ExtractBits(i, 11, 1)<<7 | opcode
}

func encodeJ(opcode uint32, rd int, offset int32) uint32 {
	i := uint32(offset)
	return utils.ExtractBits(i, 20, 1)<<31 | utils.ExtractBits(i, 1, 10)<<21 |
		utils.ExtractBits(i, 11, 1)<<20 | utils.ExtractBits(i, 12, 8)<<12 |
		uint32(rd)<<7 | opcode
}

// LUI loads imm<<12 into rd
func LUI(rd int, imm int32) uint32 {
	return uint32(imm)<<12 | uint32(rd)<<7 | 0x37
}

// ADDI adds a 12-bit signed immediate to rs1
func ADDI(rd, rs1 int, imm int32) uint32 {
	return encodeI(0x13, 0x0, rd, rs1, imm)
}

// ADD adds rs1 and rs2 into rd
func ADD(rd, rs1, rs2 int) uint32 {
	return encodeR(0x33, 0x0, 0x00, rd, rs1, rs2)
}

// SUB subtracts rs2 from rs1 into rd
func SUB(rd, rs1, rs2 int) uint32 {
	return encodeR(0x33, 0x0, 0x20, rd, rs1, rs2)
}

// JAL jumps to pc+offset, writing the return address into rd
func JAL(rd int, offset int32) uint32 {
	return encodeJ(0x6F, rd, offset)
}

// JALR jumps to rs1+offset, writing the return address into rd
func JALR(rd, rs1 int, offset int32) uint32 {
	return encodeI(0x67, 0x0, rd, rs1, offset)
}

// BEQ branches to pc+offset when rs1 == rs2
func BEQ(rs1, rs2 int, offset int32) uint32 {
	return encodeB(0x63, 0x0, rs1, rs2, offset)
}

// BNE branches to pc+offset when rs1 != rs2
func BNE(rs1, rs2 int, offset int32) uint32 {
	return encodeB(0x63, 0x1, rs1, rs2, offset)
}

// LD loads a 64-bit word from rs1+offset
func LD(rd, rs1 int, offset int32) uint32 {
	return encodeI(0x03, 0x3, rd, rs1, offset)
}

// SD stores a 64-bit word to rs1+offset
func SD(rs1, rs2 int, offset int32) uint32 {
	return encodeS(0x23, 0x3, rs1, rs2, offset)
}

// Exit assembles the exit syscall sequence (a7=exit, code in a0, ecall)
func Exit(code int32) []uint32 {
	return []uint32{
		ADDI(RegA0, RegZero, code),
		ADDI(RegA7, RegZero, SyscallExit),
		ECALL,
	}
}

// Assemble lays out instruction words as little-endian bytes
func Assemble(words ...uint32) []byte {
	image := make([]byte, 0, len(words)*RV64InstructionBytes)
	for _, w := range words {
		image = binary.LittleEndian.AppendUint32(image, w)
	}
	return image
}
