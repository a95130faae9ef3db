package image

import (
	"encoding/binary"

	"github.com/xyproto/sleuth/pkg/funcindex"
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/sleutherr"
)

const (
	streamModuleList   = 4
	streamMemory64List = 9
)

type minidumpHeader struct {
	Signature          uint32
	Version            uint32
	NumberOfStreams    uint32
	StreamDirectoryRva uint32
	CheckSum           uint32
	TimeDateStamp      uint32
	Flags              uint64
}

type minidumpDirectory struct {
	StreamType uint32
	DataSize   uint32
	Rva        uint32
}

type minidumpModule struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	CheckSum      uint32
	TimeDateStamp uint32
	ModuleNameRva uint32
	// VersionInfo (52 bytes), CvRecord/MiscRecord locations (16 bytes) and
	// two reserved ULONG64s follow but are never consulted here.
}

const minidumpModuleRecordSize = 108

// minidumpImage is an Image reconstructed from a Windows minidump's
// process memory: since every byte is already at its runtime-loaded
// address, an RVA off the module's base doubles as a Memory offset with
// no file/virtual translation required, unlike a file-backed PE image.
type minidumpImage struct {
	*peImage
}

// LoadMinidump locates the primary module in a minidump's Memory64List
// stream, builds a Memory directly from the dumped process pages, and
// recovers function ranges from that module's in-memory PE headers.
func LoadMinidump(data []byte) (Image, error) {
	if len(data) < 32 {
		return nil, sleutherr.Unsupported("truncated minidump header")
	}
	var hdr minidumpHeader
	hdr.Signature = binary.LittleEndian.Uint32(data[0:])
	hdr.Version = binary.LittleEndian.Uint32(data[4:])
	hdr.NumberOfStreams = binary.LittleEndian.Uint32(data[8:])
	hdr.StreamDirectoryRva = binary.LittleEndian.Uint32(data[12:])
	if hdr.Signature != 0x504d444d {
		return nil, sleutherr.Unsupported("bad minidump signature 0x%08x", hdr.Signature)
	}

	dirs := make([]minidumpDirectory, hdr.NumberOfStreams)
	base := int(hdr.StreamDirectoryRva)
	for i := range dirs {
		off := base + i*12
		if off+12 > len(data) {
			return nil, sleutherr.Unsupported("truncated stream directory")
		}
		dirs[i] = minidumpDirectory{
			StreamType: binary.LittleEndian.Uint32(data[off:]),
			DataSize:   binary.LittleEndian.Uint32(data[off+4:]),
			Rva:        binary.LittleEndian.Uint32(data[off+8:]),
		}
	}

	var moduleListRva, memory64ListRva uint32
	var haveModules, haveMemory bool
	for _, d := range dirs {
		switch d.StreamType {
		case streamModuleList:
			moduleListRva, haveModules = d.Rva, true
		case streamMemory64List:
			memory64ListRva, haveMemory = d.Rva, true
		}
	}
	if !haveModules || !haveMemory {
		return nil, sleutherr.Unsupported("minidump missing ModuleList or Memory64List stream")
	}

	modules, err := readModuleList(data, moduleListRva)
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, sleutherr.Unsupported("minidump has no modules")
	}
	mainModule := modules[0]

	sections, err := readMemory64List(data, memory64ListRva)
	if err != nil {
		return nil, err
	}

	mem := memory.New(mainModule.BaseOfImage, sections)

	imageBase, entryPoint, ranges, err := readPEHeadersFromMemory(mem, mainModule.BaseOfImage)
	if err != nil {
		return nil, err
	}

	return &minidumpImage{peImage: &peImage{
		mem:        mem,
		functions:  funcindex.New(ranges),
		imageBase:  imageBase,
		entryPoint: entryPoint,
	}}, nil
}

func (m *minidumpImage) Format() string { return "minidump" }

func readModuleList(data []byte, rva uint32) ([]minidumpModule, error) {
	off := int(rva)
	if off+4 > len(data) {
		return nil, sleutherr.Unsupported("truncated module list")
	}
	count := binary.LittleEndian.Uint32(data[off:])
	off += 4

	out := make([]minidumpModule, 0, count)
	for i := uint32(0); i < count; i++ {
		recOff := off + int(i)*minidumpModuleRecordSize
		if recOff+minidumpModuleRecordSize > len(data) {
			return nil, sleutherr.Unsupported("truncated module record %d", i)
		}
		out = append(out, minidumpModule{
			BaseOfImage:   binary.LittleEndian.Uint64(data[recOff:]),
			SizeOfImage:   binary.LittleEndian.Uint32(data[recOff+8:]),
			CheckSum:      binary.LittleEndian.Uint32(data[recOff+12:]),
			TimeDateStamp: binary.LittleEndian.Uint32(data[recOff+16:]),
			ModuleNameRva: binary.LittleEndian.Uint32(data[recOff+20:]),
		})
	}
	return out, nil
}

func readMemory64List(data []byte, rva uint32) ([]memory.Section, error) {
	off := int(rva)
	if off+16 > len(data) {
		return nil, sleutherr.Unsupported("truncated memory64 list")
	}
	count := binary.LittleEndian.Uint64(data[off:])
	baseRva := binary.LittleEndian.Uint64(data[off+8:])
	off += 16

	sections := make([]memory.Section, 0, count)
	cursor := baseRva
	for i := uint64(0); i < count; i++ {
		recOff := off + int(i)*16
		if recOff+16 > len(data) {
			return nil, sleutherr.Unsupported("truncated memory64 descriptor %d", i)
		}
		start := binary.LittleEndian.Uint64(data[recOff:])
		size := binary.LittleEndian.Uint64(data[recOff+8:])

		dataOff := cursor
		if dataOff+size > uint64(len(data)) {
			return nil, sleutherr.Unsupported("memory64 range %d extends past file", i)
		}
		// Descriptors are stored back to back in the file, so a region
		// that starts where the previous one ends merges into it.
		if n := len(sections); n > 0 && sections[n-1].End() == start {
			prevOff := dataOff - uint64(len(sections[n-1].Data))
			sections[n-1].Data = data[prevOff : dataOff+size]
		} else {
			sections = append(sections, memory.Section{
				Addr: start,
				Data: data[dataOff : dataOff+size],
			})
		}
		cursor += size
	}
	return sections, nil
}

// readPEHeadersFromMemory walks the DOS/COFF/Optional headers and
// exception directory of a PE image already laid out at its runtime
// addresses, so every data-directory RVA is simply base+RVA with no
// section-table translation needed.
func readPEHeadersFromMemory(mem *memory.Memory, base uint64) (imageBase, entryPoint uint64, ranges []funcindex.Range, err error) {
	magic, err := mem.U16(base)
	if err != nil || magic != 0x5A4D {
		return 0, 0, nil, sleutherr.Unsupported("module base is not a valid PE image")
	}
	peOff, err := mem.U32(base + 0x3C)
	if err != nil {
		return 0, 0, nil, err
	}
	peHdr := base + uint64(peOff)

	sig, err := mem.U32(peHdr)
	if err != nil || sig != 0x00004550 {
		return 0, 0, nil, sleutherr.Unsupported("bad in-memory PE signature")
	}

	numSections, err := mem.U16(peHdr + 6)
	if err != nil {
		return 0, 0, nil, err
	}
	sizeOfOptHdr, err := mem.U16(peHdr + 20)
	if err != nil {
		return 0, 0, nil, err
	}
	optHdr := peHdr + 24

	imgBase, err := mem.U64(optHdr + 24)
	if err != nil {
		return 0, 0, nil, err
	}
	entryRVA, err := mem.U32(optHdr + 16)
	if err != nil {
		return 0, 0, nil, err
	}
	numRvaAndSizes, err := mem.U32(optHdr + 108)
	if err != nil {
		return 0, 0, nil, err
	}

	_ = numSections
	_ = sizeOfOptHdr

	var excDirRVA, excDirSize uint32
	if numRvaAndSizes > dirException {
		dataDir := optHdr + 112 + uint64(dirException)*8
		excDirRVA, err = mem.U32(dataDir)
		if err != nil {
			return 0, 0, nil, err
		}
		excDirSize, err = mem.U32(dataDir + 4)
		if err != nil {
			return 0, 0, nil, err
		}
	}

	if excDirSize > 0 {
		count := excDirSize / 12
		for i := uint32(0); i < count; i++ {
			entryAddr := base + uint64(excDirRVA) + uint64(i*12)
			beginRVA, e1 := mem.U32(entryAddr)
			endRVA, e2 := mem.U32(entryAddr + 4)
			if e1 != nil || e2 != nil {
				break
			}
			if beginRVA == 0 && endRVA == 0 {
				continue
			}
			ranges = append(ranges, funcindex.Range{
				Start: base + uint64(beginRVA),
				End:   base + uint64(endRVA),
			})
		}
	}

	return imgBase, base + uint64(entryRVA), ranges, nil
}
