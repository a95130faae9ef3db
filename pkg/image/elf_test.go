package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadULEB(t *testing.T) {
	v, n := readULEB([]byte{0xE5, 0x8E, 0x26})
	assert.Equal(t, uint64(624485), v)
	assert.Equal(t, 3, n)
}

func TestReadSLEB(t *testing.T) {
	v, n := readSLEB([]byte{0x9B, 0xF1, 0x59})
	assert.Equal(t, int64(-624485), v)
	assert.Equal(t, 3, n)
}

func TestPointerEncSize(t *testing.T) {
	assert.Equal(t, 4, pointerEncSize(0x1b)) // pcrel | sdata4
	assert.Equal(t, 8, pointerEncSize(0x00))
}

func TestHexFormatting(t *testing.T) {
	assert.Equal(t, "0", hex(0))
	assert.Equal(t, "ff", hex(255))
	assert.Equal(t, "140001000", hex(0x140001000))
}
