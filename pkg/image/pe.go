package image

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/xyproto/sleuth/pkg/funcindex"
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/sleutherr"
)

// dosHeader mirrors the fields of the DOS header actually consulted: the
// "MZ" magic and the offset to the PE signature at 0x3C.
type dosHeader struct {
	Magic    uint16
	peOffset uint32
}

type coffHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type dataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type optionalHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [16]dataDirectory
}

type sectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

func (s sectionHeader) name() string {
	name := string(s.Name[:])
	if idx := strings.IndexByte(name, 0); idx != -1 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

const (
	dirExport    = 0
	dirImport    = 1
	dirException = 3

	characteristicExecute = 0x20000000
	characteristicWrite   = 0x80000000
)

// runtimeFunction is one IMAGE_RUNTIME_FUNCTION_ENTRY record from the x64
// exception directory: a flat [BeginAddress,EndAddress) RVA span plus the
// RVA of its UNWIND_INFO, which this index does not need.
type runtimeFunction struct {
	BeginAddress   uint32
	EndAddress     uint32
	UnwindInfoAddr uint32
}

// peImage is an Image backed by a PE32+ executable.
type peImage struct {
	mem        *memory.Memory
	functions  *funcindex.Index
	imageBase  uint64
	entryPoint uint64
	imports    []importedName
}

func (p *peImage) Memory() *memory.Memory     { return p.mem }
func (p *peImage) Functions() *funcindex.Index { return p.functions }
func (p *peImage) ImageBase() uint64          { return p.imageBase }
func (p *peImage) EntryPoint() uint64         { return p.entryPoint }
func (p *peImage) Format() string             { return "pe" }

// ImportAddress returns the IAT slot address bound to dll!name, used by
// resolvers that key off a thunked external symbol instead of scanning
// for a call site.
func (p *peImage) ImportAddress(dll, name string) (uint64, bool) {
	for _, imp := range p.imports {
		if imp.DLL == dll && imp.Name == name {
			return imp.IAT, true
		}
	}
	return 0, false
}

// LoadPE parses a PE32+ image already held in memory (file bytes, not a
// runtime-mapped layout) and builds section-relative Memory plus a
// funcindex.Index from the x64 exception directory.
func LoadPE(data []byte) (Image, error) {
	r := bytes.NewReader(data)

	var dos dosHeader
	if err := binary.Read(r, binary.LittleEndian, &dos.Magic); err != nil {
		return nil, sleutherr.Msg("read DOS magic: %v", err)
	}
	if dos.Magic != 0x5A4D {
		return nil, sleutherr.Unsupported("not a PE file: bad DOS magic 0x%04x", dos.Magic)
	}
	if _, err := r.Seek(0x3C, 0); err != nil {
		return nil, sleutherr.Msg("seek to PE offset: %v", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &dos.peOffset); err != nil {
		return nil, sleutherr.Msg("read PE offset: %v", err)
	}

	if _, err := r.Seek(int64(dos.peOffset), 0); err != nil {
		return nil, sleutherr.Msg("seek to PE signature: %v", err)
	}
	var sig uint32
	if err := binary.Read(r, binary.LittleEndian, &sig); err != nil {
		return nil, sleutherr.Msg("read PE signature: %v", err)
	}
	if sig != 0x00004550 {
		return nil, sleutherr.Unsupported("bad PE signature 0x%08x", sig)
	}

	var coff coffHeader
	if err := binary.Read(r, binary.LittleEndian, &coff); err != nil {
		return nil, sleutherr.Msg("read COFF header: %v", err)
	}
	if coff.SizeOfOptionalHeader == 0 {
		return nil, sleutherr.Unsupported("PE has no optional header")
	}

	var magic uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, sleutherr.Msg("read optional header magic: %v", err)
	}
	if _, err := r.Seek(-2, 1); err != nil {
		return nil, err
	}
	if magic != 0x020B {
		return nil, sleutherr.Unsupported("only PE32+ (64-bit) images are supported, got magic 0x%04x", magic)
	}

	var opt optionalHeader64
	if err := binary.Read(r, binary.LittleEndian, &opt); err != nil {
		return nil, sleutherr.Msg("read optional header: %v", err)
	}

	sectionOffset := int64(dos.peOffset) + 4 + int64(binary.Size(coff)) + int64(coff.SizeOfOptionalHeader)
	if _, err := r.Seek(sectionOffset, 0); err != nil {
		return nil, sleutherr.Msg("seek to section headers: %v", err)
	}
	sections := make([]sectionHeader, coff.NumberOfSections)
	for i := range sections {
		if err := binary.Read(r, binary.LittleEndian, &sections[i]); err != nil {
			return nil, sleutherr.Msg("read section header %d: %v", i, err)
		}
	}

	memSections := make([]memory.Section, 0, len(sections))
	for _, sh := range sections {
		size := int(sh.SizeOfRawData)
		raw := sliceAt(data, int(sh.PointerToRawData), size)
		buf := make([]byte, maxInt(int(sh.VirtualSize), size))
		copy(buf, raw)
		memSections = append(memSections, memory.Section{
			Name:    sh.name(),
			Addr:    opt.ImageBase + uint64(sh.VirtualAddress),
			Data:    buf,
			Execute: sh.Characteristics&characteristicExecute != 0,
			Write:   sh.Characteristics&characteristicWrite != 0,
		})
	}

	mem := memory.New(opt.ImageBase, memSections)

	rvaToFileOffset := func(rva uint32) (int, bool) {
		for _, sh := range sections {
			if rva >= sh.VirtualAddress && rva < sh.VirtualAddress+sh.VirtualSize {
				return int(rva-sh.VirtualAddress) + int(sh.PointerToRawData), true
			}
		}
		return 0, false
	}

	var ranges []funcindex.Range
	if dirException < int(opt.NumberOfRvaAndSizes) {
		dd := opt.DataDirectory[dirException]
		if dd.Size > 0 {
			off, ok := rvaToFileOffset(dd.VirtualAddress)
			if ok {
				count := int(dd.Size) / 12
				entryData := sliceAt(data, off, count*12)
				er := bytes.NewReader(entryData)
				for i := 0; i < count; i++ {
					var rf runtimeFunction
					if err := binary.Read(er, binary.LittleEndian, &rf); err != nil {
						break
					}
					if rf.BeginAddress == 0 && rf.EndAddress == 0 {
						continue
					}
					ranges = append(ranges, funcindex.Range{
						Start: opt.ImageBase + uint64(rf.BeginAddress),
						End:   opt.ImageBase + uint64(rf.EndAddress),
					})
				}
			}
		}
	}

	imports, err := parseImports(data, opt, sections)
	if err != nil {
		return nil, err
	}

	return &peImage{
		mem:        mem,
		functions:  funcindex.New(ranges),
		imageBase:  opt.ImageBase,
		entryPoint: opt.ImageBase + uint64(opt.AddressOfEntryPoint),
		imports:    imports,
	}, nil
}

// importedName describes one IAT-bound import, kept for resolvers that
// pattern-match against a thunked external symbol rather than a body.
type importedName struct {
	DLL  string
	Name string
	IAT  uint64
}

// imageImportDescriptor mirrors IMAGE_IMPORT_DESCRIPTOR.
type imageImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

// parseImports walks the import directory (data directory 1) and returns
// every named import, used by resolvers keying off IAT thunks rather than
// pattern-scanned call sites.
func parseImports(data []byte, opt optionalHeader64, sections []sectionHeader) ([]importedName, error) {
	rvaToFileOffset := func(rva uint32) (int, bool) {
		for _, sh := range sections {
			if rva >= sh.VirtualAddress && rva < sh.VirtualAddress+sh.VirtualSize {
				return int(rva-sh.VirtualAddress) + int(sh.PointerToRawData), true
			}
		}
		return 0, false
	}

	if dirImport >= int(opt.NumberOfRvaAndSizes) {
		return nil, nil
	}
	dd := opt.DataDirectory[dirImport]
	if dd.Size == 0 {
		return nil, nil
	}
	off, ok := rvaToFileOffset(dd.VirtualAddress)
	if !ok {
		return nil, sleutherr.Unsupported("import directory RVA outside sections")
	}

	var out []importedName
	for {
		if off+20 > len(data) {
			break
		}
		var desc imageImportDescriptor
		if err := binary.Read(bytes.NewReader(data[off:off+20]), binary.LittleEndian, &desc); err != nil {
			return nil, err
		}
		if desc.OriginalFirstThunk == 0 && desc.FirstThunk == 0 {
			break
		}
		nameOff, ok := rvaToFileOffset(desc.Name)
		if !ok {
			off += 20
			continue
		}
		dllName := readCString(data, nameOff)

		thunkRVA := desc.OriginalFirstThunk
		if thunkRVA == 0 {
			thunkRVA = desc.FirstThunk
		}
		thunkOff, ok := rvaToFileOffset(thunkRVA)
		if !ok {
			off += 20
			continue
		}
		iatRVA := desc.FirstThunk
		for i := 0; ; i++ {
			entryOff := thunkOff + i*8
			if entryOff+8 > len(data) {
				break
			}
			thunk := binary.LittleEndian.Uint64(data[entryOff : entryOff+8])
			if thunk == 0 {
				break
			}
			if thunk&(1<<63) != 0 {
				continue // ordinal import, no name
			}
			hintNameOff, ok := rvaToFileOffset(uint32(thunk))
			if !ok {
				continue
			}
			fnName := readCString(data, hintNameOff+2)
			out = append(out, importedName{
				DLL:  dllName,
				Name: fnName,
				IAT:  opt.ImageBase + uint64(iatRVA) + uint64(i*8),
			})
		}
		off += 20
	}
	return out, nil
}

func readCString(data []byte, off int) string {
	if off < 0 || off >= len(data) {
		return ""
	}
	end := off
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}

func sliceAt(data []byte, off, size int) []byte {
	if off < 0 || off >= len(data) || size <= 0 {
		return nil
	}
	end := off + size
	if end > len(data) {
		end = len(data)
	}
	return data[off:end]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
