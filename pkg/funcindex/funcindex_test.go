package funcindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeContaining(t *testing.T) {
	idx := New([]Range{
		{Start: 0x1000, End: 0x1010},
		{Start: 0x2000, End: 0x2100},
		{Start: 0x1010, End: 0x1040},
	})

	r, ok := idx.RangeContaining(0x1005)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 0x1000, End: 0x1010}, r)

	r, ok = idx.RangeContaining(0x1020)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 0x1010, End: 0x1040}, r)

	_, ok = idx.RangeContaining(0x1500)
	assert.False(t, ok)

	_, ok = idx.RangeContaining(0x0500)
	assert.False(t, ok)
}

func TestChildFunctionsIsRootOnly(t *testing.T) {
	idx := New([]Range{{Start: 0x1000, End: 0x1010}})
	kids, ok := idx.ChildFunctions(0x1005)
	require.True(t, ok)
	require.Len(t, kids, 1)
	assert.Equal(t, Range{Start: 0x1000, End: 0x1010}, kids[0])
}

func TestNewDedupes(t *testing.T) {
	idx := New([]Range{
		{Start: 0x1000, End: 0x1010},
		{Start: 0x1000, End: 0x1010},
	})
	assert.Equal(t, 1, idx.Len())
}
