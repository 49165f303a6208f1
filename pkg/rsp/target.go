package rsp

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Manu343726/gdbridge/pkg/utils"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTarget is returned for target descriptions that cannot drive
// the wire register layout
var ErrInvalidTarget = errors.New("invalid target description")

// RegisterDescriptor describes one register of the wire layout
type RegisterDescriptor struct {
	// Name as presented to the debugger
	Name string `yaml:"name"`
	// Bitsize of the register value; must be a multiple of 8
	Bitsize int `yaml:"bitsize"`
	// Type is the debugger-side type hint (int, code_ptr, data_ptr)
	Type string `yaml:"type,omitempty"`
}

// TargetDescription fixes the register layout of the wire protocol: the
// ordered sequence of general-purpose registers followed by the program
// counter, each with a fixed byte width. The last register must be the
// program counter. A description can be loaded from YAML to match a
// different machine flavour; DefaultTarget matches the bundled RV64 VM.
type TargetDescription struct {
	// Architecture is the debugger-side architecture name
	Architecture string `yaml:"architecture"`
	// Feature is the XML feature name the registers are published under
	Feature string `yaml:"feature"`
	// Registers lists all wire registers in order, program counter last
	Registers []RegisterDescriptor `yaml:"registers"`
}

// DefaultTarget returns the RV64 wire layout: x0-x31 followed by pc,
// 8 bytes each, little-endian on the wire.
func DefaultTarget() *TargetDescription {
	regs := make([]RegisterDescriptor, 0, 33)
	for i := 0; i < 32; i++ {
		regs = append(regs, RegisterDescriptor{
			Name:    fmt.Sprintf("x%d", i),
			Bitsize: 64,
			Type:    "int",
		})
	}
	regs = append(regs, RegisterDescriptor{Name: "pc", Bitsize: 64, Type: "code_ptr"})
	return &TargetDescription{
		Architecture: "riscv:rv64",
		Feature:      "org.gnu.gdb.riscv.cpu",
		Registers:    regs,
	}
}

// LoadTargetDescription reads a target description from a YAML file
func LoadTargetDescription(path string) (*TargetDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	target := &TargetDescription{}
	if err := yaml.Unmarshal(data, target); err != nil {
		return nil, utils.MakeError(ErrInvalidTarget, "%s: %v", path, err)
	}
	if err := target.Validate(); err != nil {
		return nil, utils.MakeError(err, "%s", path)
	}
	return target, nil
}

// Validate checks the description can drive the wire layout
func (t *TargetDescription) Validate() error {
	if len(t.Registers) < 2 {
		return utils.MakeError(ErrInvalidTarget, "needs at least one register and a program counter")
	}
	for _, reg := range t.Registers {
		if reg.Name == "" {
			return utils.MakeError(ErrInvalidTarget, "register without a name")
		}
		if reg.Bitsize <= 0 || reg.Bitsize%utils.BitsPerByte != 0 {
			return utils.MakeError(ErrInvalidTarget, "register %s has bitsize %d", reg.Name, reg.Bitsize)
		}
	}
	return nil
}

// NumRegisters returns the total register count, program counter included
func (t *TargetDescription) NumRegisters() int {
	return len(t.Registers)
}

// PCIndex returns the wire register number of the program counter
func (t *TargetDescription) PCIndex() int {
	return len(t.Registers) - 1
}

// RegisterBytes returns the byte width of the i-th wire register
func (t *TargetDescription) RegisterBytes(i int) int {
	return t.Registers[i].Bitsize / utils.BitsPerByte
}

// SnapshotBytes returns the binary size of a full register snapshot
func (t *TargetDescription) SnapshotBytes() int {
	total := 0
	for i := range t.Registers {
		total += t.RegisterBytes(i)
	}
	return total
}

// TargetXML renders the target.xml annex served through qXfer:features:read
func (t *TargetDescription) TargetXML() string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n")
	b.WriteString("<!DOCTYPE target SYSTEM \"gdb-target.dtd\">\n")
	b.WriteString("<target version=\"1.0\">\n")
	fmt.Fprintf(&b, "<architecture>%s</architecture>\n", t.Architecture)
	fmt.Fprintf(&b, "<feature name=%q>\n", t.Feature)
	for i, reg := range t.Registers {
		regType := reg.Type
		if regType == "" {
			regType = "int"
		}
		fmt.Fprintf(&b, "<reg name=%q bitsize=\"%d\" regnum=\"%d\" type=%q group=\"general\"/>\n",
			reg.Name, reg.Bitsize, i, regType)
	}
	b.WriteString("</feature>\n")
	b.WriteString("</target>\n")
	return b.String()
}
