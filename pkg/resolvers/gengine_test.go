package resolvers

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/sleuth/pkg/funcindex"
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/resolver"
)

type fakeImage struct {
	mem  *memory.Memory
	fns  *funcindex.Index
	kind string
}

func (f *fakeImage) Memory() *memory.Memory      { return f.mem }
func (f *fakeImage) Functions() *funcindex.Index { return f.fns }
func (f *fakeImage) ImageBase() uint64           { return f.mem.ImageBase }
func (f *fakeImage) EntryPoint() uint64          { return 0 }
func (f *fakeImage) Format() string              { return f.kind }

// putDisp32 writes a little-endian RIP-relative displacement at
// data[instrDispOff:] such that instrBase+instrDispOff+4+disp == target.
func putDisp32(data []byte, base uint64, dispOff int, target uint64) {
	end := base + uint64(dispOff) + 4
	disp := int32(int64(target) - int64(end))
	binary.LittleEndian.PutUint32(data[dispOff:], uint32(disp))
}

func TestGEngineResolvesStagedGlobal(t *testing.T) {
	const base = 0x2000
	data := make([]byte, 0x80)

	// MOV RCX, [rip+disp32] at offset 0, staging the engine pointer.
	data[0], data[1], data[2] = 0x48, 0x8B, 0x0D
	const enginePtr = 0x5000
	putDisp32(data, base, 3, enginePtr)

	// LEA R8, [rip+disp32] at offset 0x20, referencing the debug string.
	const leaOff = 0x20
	data[leaOff], data[leaOff+1], data[leaOff+2] = 0x4C, 0x8D, 0x05
	const strOff = 0x50
	putDisp32(data, base, leaOff+3, base+strOff)

	// "rhi.DumpMemory\0" as UTF-16LE at offset 0x50.
	units := utf16.Encode([]rune("rhi.DumpMemory\x00"))
	for i, u := range units {
		binary.LittleEndian.PutUint16(data[strOff+2*i:], u)
	}

	mem := memory.New(base, []memory.Section{
		{Name: ".text", Addr: base, Data: data, Execute: true},
	})
	fns := funcindex.New([]funcindex.Range{{Start: base, End: base + uint64(len(data))}})
	img := &fakeImage{mem: mem, fns: fns, kind: "pe"}

	results := resolver.Run(img, GEngine.Name)
	v, err := resolver.Value[uint64](results, GEngine.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(enginePtr), v)
}

func TestIsLeaR8(t *testing.T) {
	data := []byte{0x4C, 0x8D, 0x05, 0, 0, 0, 0}
	mem := memory.New(0x1000, []memory.Section{{Name: ".text", Addr: 0x1000, Data: data}})
	assert.True(t, isLeaR8(mem, 0x1003))

	data2 := []byte{0x48, 0x8D, 0x05, 0, 0, 0, 0}
	mem2 := memory.New(0x1000, []memory.Section{{Name: ".text", Addr: 0x1000, Data: data2}})
	assert.False(t, isLeaR8(mem2, 0x1003), "REX.R unset selects RAX, not R8")
}

func TestScanLastBeforePicksMostRecentMatch(t *testing.T) {
	data := make([]byte, 0x40)
	data[0], data[1], data[2] = 0x48, 0x8B, 0x0D
	putDisp32(data, 0x1000, 3, 0x9000)
	data[0x10], data[0x11], data[0x12] = 0x48, 0x8B, 0x0D
	putDisp32(data, 0x1000, 0x10+3, 0xA000)

	mem := memory.New(0x1000, []memory.Section{{Name: ".text", Addr: 0x1000, Data: data}})
	p, err := pattern.Compile("48 8B 0D | ?? ?? ?? ??")
	require.NoError(t, err)

	target, err := scanLastBefore(mem, 0x1000, 0x1020, p)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xA000), target)
}
