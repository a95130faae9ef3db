package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileExactBytes(t *testing.T) {
	p, err := Compile("01 02")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, p.Sig)
	assert.Equal(t, []byte{0xFF, 0xFF}, p.Mask)
	assert.Equal(t, 0, p.CustomOffset)
}

func TestCompileFullWildcardForbiddenFirst(t *testing.T) {
	_, err := Compile("?? 01")
	require.Error(t, err)
}

func TestCompileBinaryMask(t *testing.T) {
	p, err := Compile("01 11111000")
	require.NoError(t, err)
	assert.Equal(t, byte(0b11111000), p.Mask[1])
}

func TestCompileCustomOffsetAndCaptureAndXref(t *testing.T) {
	p, err := Compile("AB CD | EF ?? [ ?? ?? ?? ?? ] X0x1000")
	require.NoError(t, err)

	assert.Equal(t, 8, p.Len())
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0, 0, 0, 0, 0}, p.Mask)
	assert.Equal(t, 2, p.CustomOffset)
	require.Len(t, p.Captures, 2)

	assert.Equal(t, CaptureBytes, p.Captures[0].Kind)
	assert.Equal(t, 4, p.Captures[0].Start)
	assert.Equal(t, 4, p.Captures[0].Len)

	assert.Equal(t, CaptureRip, p.Captures[1].Kind)
	assert.Equal(t, 4, p.Captures[1].Start)
	require.NotNil(t, p.Captures[1].Target)
	assert.Equal(t, uint64(0x1000), *p.Captures[1].Target)
	require.NotNil(t, p.XrefTarget)
	assert.Equal(t, uint64(0x1000), *p.XrefTarget)
}

func TestCompileLiteralDword(t *testing.T) {
	p, err := Compile("90 0x12345678")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x78, 0x56, 0x34, 0x12}, p.Sig)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, p.Mask)
}

func TestCompileBadToken(t *testing.T) {
	_, err := Compile("01 zz")
	require.Error(t, err)
}

func TestCompileEmpty(t *testing.T) {
	_, err := Compile("")
	require.Error(t, err)
}

func TestMatchAt(t *testing.T) {
	p, err := Compile("01 ?? 03")
	require.NoError(t, err)

	data := []byte{0x01, 0x02, 0x03, 0x01, 0x99, 0x03}
	assert.True(t, p.MatchAt(data, 0))
	assert.True(t, p.MatchAt(data, 3))
	assert.False(t, p.MatchAt(data, 1))
	assert.False(t, p.MatchAt(data, 4)) // out of bounds
}
