package resolvers

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xyproto/sleuth/pkg/funcindex"
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/resolver"
)

func TestKismetSystemLibraryRegisterNativesReadsTable(t *testing.T) {
	const base = 0x2000
	data := make([]byte, 0x200)

	// "PrintString\0" anchor, used to disambiguate the right call site.
	const strOff = 0x100
	copy(data[strOff:], "PrintString\x00")

	// Native-function table at offset 0x40: one entry naming PrintString.
	const tableOff = 0x40
	binary.LittleEndian.PutUint64(data[tableOff:], uint64(base+strOff))
	binary.LittleEndian.PutUint64(data[tableOff+8:], 0xAAAA)

	// Call site: LEA RDX, [rip+disp32]; MOV R8D, imm32; CALL rel32.
	const callOff = 0x10
	data[callOff], data[callOff+1], data[callOff+2] = 0x48, 0x8D, 0x15
	putDisp32(data, base, callOff+3, base+tableOff)
	data[callOff+7], data[callOff+8] = 0x41, 0xB8
	binary.LittleEndian.PutUint32(data[callOff+9:], 1) // count
	data[callOff+13] = 0xE8
	binary.LittleEndian.PutUint32(data[callOff+14:], 0)

	mem := memory.New(base, []memory.Section{
		{Name: ".text", Addr: base, Data: data, Execute: true},
	})
	img := &fakeImage{mem: mem, fns: funcindex.New(nil), kind: "pe"}

	results := resolver.Run(img, KismetSystemLibraryRegisterNatives.Name)
	v, err := resolver.Value[[]NativeFunction](results, KismetSystemLibraryRegisterNatives.Name)
	require.NoError(t, err)
	require.Len(t, v, 1)
	assert.Equal(t, "PrintString", v[0].Name)
	assert.Equal(t, uint64(0xAAAA), v[0].Func)
}

func TestTableListsName(t *testing.T) {
	const base = 0x3000
	data := make([]byte, 0x40)
	binary.LittleEndian.PutUint64(data[0x10:], 0x1234)
	binary.LittleEndian.PutUint64(data[0x18:], 0x5678)

	mem := memory.New(base, []memory.Section{{Addr: base, Data: data}})
	assert.True(t, tableListsName(mem, base+0x10, 1, 0x1234))
	assert.False(t, tableListsName(mem, base+0x10, 1, 0x9999))
}
