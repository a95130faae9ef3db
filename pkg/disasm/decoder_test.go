package disasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/sleuth/pkg/memory"
)

func memOf(data []byte, addr uint64) *memory.Memory {
	return memory.New(addr, []memory.Section{{Addr: addr, Data: data, Execute: true}})
}

func TestDecodeCallRel32(t *testing.T) {
	// E8 disp32: call to addr+5+disp
	data := []byte{0xE8, 0x10, 0x00, 0x00, 0x00}
	m := memOf(data, 0x1000)
	in, err := Decode(m, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, KindCall, in.Kind)
	assert.Equal(t, 5, in.Len)
	assert.True(t, in.HasTarget)
	assert.Equal(t, uint64(0x1015), in.Target)
}

func TestDecodeJmpRel8(t *testing.T) {
	data := []byte{0xEB, 0x05}
	m := memOf(data, 0x2000)
	in, err := Decode(m, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, KindJmp, in.Kind)
	assert.Equal(t, uint64(0x2007), in.Target)
}

func TestDecodeCondJmpRel32(t *testing.T) {
	data := []byte{0x0F, 0x84, 0x00, 0x01, 0x00, 0x00} // JE rel32
	m := memOf(data, 0x3000)
	in, err := Decode(m, 0x3000)
	require.NoError(t, err)
	assert.Equal(t, KindCondJmp, in.Kind)
	assert.Equal(t, uint64(0x3106), in.Target)
}

func TestDecodeRet(t *testing.T) {
	data := []byte{0xC3}
	m := memOf(data, 0x4000)
	in, err := Decode(m, 0x4000)
	require.NoError(t, err)
	assert.Equal(t, KindRet, in.Kind)
	assert.Equal(t, 1, in.Len)
}

func TestDecodeMovRegToRegWithRex(t *testing.T) {
	// REX.W + 89 ModRM: mov r/m64, r64
	data := []byte{0x48, 0x89, 0xC8} // mov rax, rcx
	m := memOf(data, 0x5000)
	in, err := Decode(m, 0x5000)
	require.NoError(t, err)
	assert.Equal(t, 3, in.Len)
}

func TestDecodeLeaRipRelative(t *testing.T) {
	// REX.W 8D ModRM(00 reg 101) disp32
	data := []byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00}
	m := memOf(data, 0x6000)
	in, err := Decode(m, 0x6000)
	require.NoError(t, err)
	assert.Equal(t, 7, in.Len)
}

func TestDecodeIndirectCallFF(t *testing.T) {
	// FF D0: call rax (ModRM mod=11 reg=010 rm=000)
	data := []byte{0xFF, 0xD0}
	m := memOf(data, 0x7000)
	in, err := Decode(m, 0x7000)
	require.NoError(t, err)
	assert.Equal(t, KindCall, in.Kind)
	assert.False(t, in.HasTarget)
	assert.Equal(t, 2, in.Len)
}

func TestWalkStopsAtRet(t *testing.T) {
	// mov eax,1 (B8 01 00 00 00); ret (C3)
	data := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3}
	m := memOf(data, 0x8000)

	var visited []uint64
	err := Walk(m, nil, 0x8000, VisitorFunc(func(in Instruction) Verdict {
		visited = append(visited, in.Addr)
		return Continue
	}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x8000, 0x8005}, visited)
}
