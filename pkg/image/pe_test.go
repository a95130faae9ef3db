package image

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMinimalPE assembles a tiny PE32+ image with one executable
// section and one RUNTIME_FUNCTION record written after it, just enough
// to exercise LoadPE's header parsing (the exception directory's RVA is
// outside every section, see below).
func buildMinimalPE(t *testing.T) []byte {
	t.Helper()
	const imageBase = 0x140000000
	const sectionRVA = 0x1000
	const sectionSize = 0x200
	const excDirRVA = 0x2000
	const excDirFileOff = 0x600

	var buf bytes.Buffer

	// DOS header: magic + e_lfanew at 0x3C
	dos := make([]byte, 0x40)
	binary.LittleEndian.PutUint16(dos[0:], 0x5A4D)
	binary.LittleEndian.PutUint32(dos[0x3C:], 0x40)
	buf.Write(dos)

	binary.Write(&buf, binary.LittleEndian, uint32(0x00004550)) // PE sig

	coff := coffHeader{
		Machine:              0x8664,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(optionalHeader64{})),
	}
	binary.Write(&buf, binary.LittleEndian, coff)

	opt := optionalHeader64{
		Magic:               0x020B,
		ImageBase:           imageBase,
		AddressOfEntryPoint: sectionRVA,
		NumberOfRvaAndSizes: 16,
	}
	opt.DataDirectory[dirException] = dataDirectory{VirtualAddress: excDirRVA, Size: 12}
	binary.Write(&buf, binary.LittleEndian, opt)

	var sh sectionHeader
	copy(sh.Name[:], ".text")
	sh.VirtualAddress = sectionRVA
	sh.VirtualSize = sectionSize
	sh.SizeOfRawData = sectionSize
	sh.PointerToRawData = 0x400
	sh.Characteristics = characteristicExecute
	binary.Write(&buf, binary.LittleEndian, sh)

	pad(&buf, 0x400)
	buf.Write(make([]byte, sectionSize))

	pad(&buf, excDirFileOff)
	rf := runtimeFunction{BeginAddress: sectionRVA, EndAddress: sectionRVA + 0x10, UnwindInfoAddr: 0}
	binary.Write(&buf, binary.LittleEndian, rf)

	// excDirRVA deliberately falls outside every section here, so LoadPE
	// resolves no exception-directory entries; this test only exercises
	// header parsing.
	return buf.Bytes()
}

func pad(buf *bytes.Buffer, target int) {
	for buf.Len() < target {
		buf.WriteByte(0)
	}
}

func TestLoadPEBasicHeaders(t *testing.T) {
	data := buildMinimalPE(t)
	img, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, "pe", img.Format())
	assert.Equal(t, uint64(0x140000000), img.ImageBase())
	assert.Equal(t, uint64(0x140000000+0x1000), img.EntryPoint())
}

func TestLoadPERejectsBadMagic(t *testing.T) {
	_, err := Load([]byte("not a pe file at all"))
	assert.Error(t, err)
}
