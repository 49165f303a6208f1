package rsp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTarget(t *testing.T) {
	target := DefaultTarget()
	require.NoError(t, target.Validate())

	assert.Equal(t, 33, target.NumRegisters())
	assert.Equal(t, 32, target.PCIndex())
	assert.Equal(t, "pc", target.Registers[target.PCIndex()].Name)
	assert.Equal(t, 8, target.RegisterBytes(0))
	assert.Equal(t, 33*8, target.SnapshotBytes())
}

func TestTargetDescription_Validate(t *testing.T) {
	t.Run("too few registers", func(t *testing.T) {
		target := &TargetDescription{
			Registers: []RegisterDescriptor{{Name: "pc", Bitsize: 64}},
		}
		assert.ErrorIs(t, target.Validate(), ErrInvalidTarget)
	})

	t.Run("bitsize must be byte aligned", func(t *testing.T) {
		target := &TargetDescription{
			Registers: []RegisterDescriptor{
				{Name: "x0", Bitsize: 12},
				{Name: "pc", Bitsize: 64},
			},
		}
		assert.ErrorIs(t, target.Validate(), ErrInvalidTarget)
	})

	t.Run("register needs a name", func(t *testing.T) {
		target := &TargetDescription{
			Registers: []RegisterDescriptor{
				{Bitsize: 64},
				{Name: "pc", Bitsize: 64},
			},
		}
		assert.ErrorIs(t, target.Validate(), ErrInvalidTarget)
	})
}

func TestLoadTargetDescription(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "target.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
architecture: riscv:rv32
feature: org.gnu.gdb.riscv.cpu
registers:
  - name: x0
    bitsize: 32
  - name: x1
    bitsize: 32
  - name: pc
    bitsize: 32
    type: code_ptr
`), 0o644))

		target, err := LoadTargetDescription(path)
		require.NoError(t, err)
		assert.Equal(t, "riscv:rv32", target.Architecture)
		assert.Equal(t, 3, target.NumRegisters())
		assert.Equal(t, 4, target.RegisterBytes(0))
		assert.Equal(t, 12, target.SnapshotBytes())
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "target.yaml")
		require.NoError(t, os.WriteFile(path, []byte("registers: {not a list"), 0o644))

		_, err := LoadTargetDescription(path)
		assert.ErrorIs(t, err, ErrInvalidTarget)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTargetDescription(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestTargetXML(t *testing.T) {
	xml := DefaultTarget().TargetXML()

	assert.Contains(t, xml, `<architecture>riscv:rv64</architecture>`)
	assert.Contains(t, xml, `<feature name="org.gnu.gdb.riscv.cpu">`)
	assert.Contains(t, xml, `<reg name="x0" bitsize="64" regnum="0" type="int" group="general"/>`)
	assert.Contains(t, xml, `<reg name="pc" bitsize="64" regnum="32" type="code_ptr" group="general"/>`)
	assert.Equal(t, 33, strings.Count(xml, "<reg "))
}
