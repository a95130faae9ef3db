package scanner

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/sleuth/pkg/pattern"
)

func TestScanPatternsExactMatch(t *testing.T) {
	p, err := pattern.Compile("AA BB CC")
	require.NoError(t, err)

	data := []byte{0x00, 0xAA, 0xBB, 0xCC, 0x00, 0xAA, 0xBB, 0xCC, 0x00}
	results := ScanPatterns([]*pattern.Pattern{p}, 0x1000, data)
	require.Len(t, results, 1)
	assert.Equal(t, []uint64{0x1001, 0x1005}, results[0])
}

func TestScanPatternsWildcardAndMask(t *testing.T) {
	p, err := pattern.Compile("AA ?? CC")
	require.NoError(t, err)

	data := []byte{0xAA, 0x11, 0xCC, 0xAA, 0x22, 0xCC}
	results := ScanPatterns([]*pattern.Pattern{p}, 0, data)
	require.Len(t, results, 1)
	assert.Equal(t, []uint64{0, 3}, results[0])
}

func TestScanPatternsAcrossLargeBuffer(t *testing.T) {
	const size = 1 << 20
	data := make([]byte, size)
	needle := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04,
		0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C,
		0x0D, 0x0E, 0x0F, 0x10, 0x11, 0x12, 0x13, 0x14,
		0x15, 0x16, 0x17, 0x18, 0x19, 0x1A, 0x1B, 0x1C}
	require.Len(t, needle, 32)

	positions := []int{17, size/2 + 3, size - len(needle) - 1}
	for _, pos := range positions {
		copy(data[pos:], needle)
	}

	toks := ""
	for i, b := range needle {
		if i > 0 {
			toks += " "
		}
		toks += hexByte(b)
	}
	p, err := pattern.Compile(toks)
	require.NoError(t, err)

	results := ScanPatterns([]*pattern.Pattern{p}, 0, data)
	require.Len(t, results, 1)
	require.Len(t, results[0], len(positions))
	for i, pos := range positions {
		assert.Equal(t, uint64(pos), results[0][i])
	}
}

func TestScanPatternsDeterministicAcrossChunkBoundaries(t *testing.T) {
	data := make([]byte, 1<<16)
	for i := range data {
		data[i] = byte(i * 7)
	}
	for pos := 0; pos+4 <= len(data); pos += 4096 {
		data[pos] = 0x90
		data[pos+1] = 0x90
	}
	p, err := pattern.Compile("90 90")
	require.NoError(t, err)

	first := ScanPatterns([]*pattern.Pattern{p}, 0, data)
	second := ScanPatterns([]*pattern.Pattern{p}, 0, data)
	assert.Equal(t, first, second)
	for i := 1; i < len(first[0]); i++ {
		assert.Less(t, first[0][i-1], first[0][i])
	}
}

func TestScanXrefsFindsComputedTargets(t *testing.T) {
	data := make([]byte, 64)
	target := uint64(0x2000)
	j := 10
	instrEnd := uint64(j) + 4
	disp := int32(target - instrEnd)
	binary.LittleEndian.PutUint32(data[j:], uint32(disp))

	results := ScanXrefs([]uint64{target, 0xDEAD}, 0, data)
	require.Len(t, results, 2)
	assert.Equal(t, []uint64{uint64(j)}, results[0])
	assert.Empty(t, results[1])
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0xF]})
}
