package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/sleuth/pkg/funcindex"
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/pattern"
)

type fakeImage struct {
	mem *memory.Memory
}

func (f *fakeImage) Memory() *memory.Memory      { return f.mem }
func (f *fakeImage) Functions() *funcindex.Index { return funcindex.New(nil) }
func (f *fakeImage) ImageBase() uint64           { return f.mem.ImageBase }
func (f *fakeImage) EntryPoint() uint64          { return 0 }
func (f *fakeImage) Format() string              { return "pe" }

func newFakeImage() *fakeImage {
	data := []byte{0xAA, 0xBB, 0xCC, 0x00, 0x11, 0x22, 0x33, 0x00}
	return &fakeImage{mem: memory.New(0x1000, []memory.Section{
		{Name: ".text", Addr: 0x1000, Data: data, Execute: true},
	})}
}

func TestEnsureOne(t *testing.T) {
	v, err := EnsureOne([]uint64{42})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	_, err = EnsureOne([]uint64{})
	assert.Error(t, err)

	_, err = EnsureOne([]uint64{1, 2})
	assert.Error(t, err)
}

func TestRunSingleResolverScansPattern(t *testing.T) {
	p, err := pattern.Compile("AA BB CC")
	require.NoError(t, err)

	Register("test.simple", func(ctx *Context) (uint64, error) {
		hits, err := ctx.Scan(p)
		if err != nil {
			return 0, err
		}
		return EnsureOne(hits)
	})

	results := Run(newFakeImage(), "test.simple")
	v, err := Value[uint64](results, "test.simple")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), v)
}

func TestResolveDependencyChain(t *testing.T) {
	Register("test.base", func(ctx *Context) (int, error) {
		return 7, nil
	})
	Register("test.derived", func(ctx *Context) (int, error) {
		v, err := ctx.Resolve("test.base")
		if err != nil {
			return 0, err
		}
		return v.(int) * 2, nil
	})

	results := Run(newFakeImage(), "test.derived")
	v, err := Value[int](results, "test.derived")
	require.NoError(t, err)
	assert.Equal(t, 14, v)
}

func TestResolveWhileDependencyScansDoesNotDeadlock(t *testing.T) {
	p, err := pattern.Compile("11 22 33")
	require.NoError(t, err)

	Register("test.childScans", func(ctx *Context) (uint64, error) {
		hits, err := ctx.Scan(p)
		if err != nil {
			return 0, err
		}
		return EnsureOne(hits)
	})
	Register("test.parentResolves", func(ctx *Context) (uint64, error) {
		v, err := ctx.Resolve("test.childScans")
		if err != nil {
			return 0, err
		}
		return v.(uint64), nil
	})

	done := make(chan map[string]Result, 1)
	go func() { done <- Run(newFakeImage(), "test.parentResolves") }()

	select {
	case results := <-done:
		v, err := Value[uint64](results, "test.parentResolves")
		require.NoError(t, err)
		assert.Equal(t, uint64(0x1004), v)
	case <-time.After(2 * time.Second):
		t.Fatal("Run deadlocked: a resolver blocked on Resolve starved the scan batch")
	}
}

func TestResolveCycleDetected(t *testing.T) {
	Register("test.cycleA", func(ctx *Context) (int, error) {
		_, err := ctx.Resolve("test.cycleB")
		return 0, err
	})
	Register("test.cycleB", func(ctx *Context) (int, error) {
		_, err := ctx.Resolve("test.cycleA")
		return 0, err
	})

	results := Run(newFakeImage(), "test.cycleA")
	_, err := Value[int](results, "test.cycleA")
	require.Error(t, err)
}
