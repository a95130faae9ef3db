package memory

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory() *Memory {
	textData := make([]byte, 0x100)
	for i := range textData {
		textData[i] = byte(i)
	}
	rdataData := make([]byte, 0x40)
	return New(0x140000000, []Section{
		{Name: ".text", Addr: 0x140001000, Data: textData, Execute: true},
		{Name: ".rdata", Addr: 0x140002000, Data: rdataData},
	})
}

func TestSectionContaining(t *testing.T) {
	m := newTestMemory()
	s, ok := m.SectionContaining(0x140001010)
	require.True(t, ok)
	assert.Equal(t, ".text", s.Name)

	_, ok = m.SectionContaining(0x140001500)
	assert.False(t, ok)
}

func TestRangeBoundsChecked(t *testing.T) {
	m := newTestMemory()
	b, err := m.Range(0x140001000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, b)

	_, err = m.Range(0x140001000, 0x200)
	assert.Error(t, err)
}

func TestRip4Resolution(t *testing.T) {
	m := newTestMemory()
	addr := uint64(0x140001020)
	b, _ := m.Range(addr, 4)
	binary.LittleEndian.PutUint32(b, uint32(int32(100)))

	target, err := m.Rip4(addr)
	require.NoError(t, err)
	assert.Equal(t, addr+4+100, target)
}

func TestReadStringAndWString(t *testing.T) {
	m := newTestMemory()
	copy(m.Sections[1].Data, []byte("hello\x00garbage"))
	s, err := m.ReadString(0x140002000)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	wdata := m.Sections[1].Data
	for i, c := range "hi" {
		binary.LittleEndian.PutUint16(wdata[i*2:], uint16(c))
	}
	binary.LittleEndian.PutUint16(wdata[4:], 0)
	ws, err := m.ReadWString(0x140002000)
	require.NoError(t, err)
	assert.Equal(t, "hi", ws)
}
