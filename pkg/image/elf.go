package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/xyproto/sleuth/pkg/funcindex"
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/sleutherr"
)

// elfImage is an Image backed by an ELF executable, with function ranges
// recovered from .eh_frame FDE records rather than a symbol table (the
// binaries this package targets are stripped).
type elfImage struct {
	mem        *memory.Memory
	functions  *funcindex.Index
	imageBase  uint64
	entryPoint uint64
	symbols    map[uint64]string
}

func (e *elfImage) Memory() *memory.Memory     { return e.mem }
func (e *elfImage) Functions() *funcindex.Index { return e.functions }
func (e *elfImage) ImageBase() uint64          { return e.imageBase }
func (e *elfImage) EntryPoint() uint64         { return e.entryPoint }
func (e *elfImage) Format() string             { return "elf" }

// Symbols returns the synthetic sub_<hex> name table derived from
// .eh_frame FDE starts, standing in for a stripped binary's missing
// symbol table.
func (e *elfImage) Symbols() map[uint64]string { return e.symbols }

// LoadELF parses an ELF64 executable via debug/elf and recovers function
// ranges by hand-walking the .eh_frame CIE/FDE records debug/elf does not
// itself interpret.
func LoadELF(data []byte) (Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, sleutherr.Msg("parse ELF: %v", err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 {
		return nil, sleutherr.Unsupported("only 64-bit ELF images are supported")
	}

	var memSections []memory.Section
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Addr == 0 {
			continue
		}
		buf, err := sec.Data()
		if err != nil {
			// SHT_NOBITS (.bss) has no file-backed data; zero-fill its span.
			buf = make([]byte, sec.Size)
		}
		memSections = append(memSections, memory.Section{
			Name:    sec.Name,
			Addr:    sec.Addr,
			Data:    buf,
			Execute: sec.Flags&elf.SHF_EXECINSTR != 0,
			Write:   sec.Flags&elf.SHF_WRITE != 0,
		})
	}
	if len(memSections) == 0 {
		return nil, sleutherr.Unsupported("ELF has no loadable sections")
	}

	mem := memory.New(0, memSections)

	ranges, symbols, err := parseEhFrame(f)
	if err != nil {
		return nil, err
	}

	return &elfImage{
		mem:        mem,
		functions:  funcindex.New(ranges),
		imageBase:  0,
		entryPoint: f.Entry,
		symbols:    symbols,
	}, nil
}

// parseEhFrame hand-walks .eh_frame's CIE/FDE stream (DWARF CFI, per the
// System V x86-64 ABI) to recover FDE [pc_begin, pc_begin+pc_range)
// spans, the only piece of unwind data this package needs.
func parseEhFrame(f *elf.File) ([]funcindex.Range, map[uint64]string, error) {
	sec := f.Section(".eh_frame")
	if sec == nil {
		return nil, nil, sleutherr.Unsupported("no .eh_frame section")
	}
	data, err := sec.Data()
	if err != nil {
		return nil, nil, sleutherr.Msg("read .eh_frame: %v", err)
	}

	type cieInfo struct {
		fdePtrEnc byte
	}
	cies := map[int]cieInfo{}

	var ranges []funcindex.Range
	symbols := map[uint64]string{}

	off := 0
	for off+4 <= len(data) {
		recordStart := off
		length := binary.LittleEndian.Uint32(data[off:])
		off += 4
		if length == 0 {
			break // terminator
		}
		if length == 0xffffffff {
			return nil, nil, sleutherr.Unsupported("64-bit DWARF .eh_frame not supported")
		}
		recordEnd := off + int(length)
		if recordEnd > len(data) {
			break
		}

		idField := binary.LittleEndian.Uint32(data[off:])
		idOff := off
		off += 4

		if idField == 0 {
			// CIE
			p := off
			version := data[p]
			p++
			augStart := p
			for p < recordEnd && data[p] != 0 {
				p++
			}
			aug := string(data[augStart:p])
			p++ // skip NUL

			_, n := readULEB(data[p:]) // code alignment factor
			p += n
			_, n = readSLEB(data[p:]) // data alignment factor
			p += n
			if version == 1 {
				p++ // return address register, single byte in CFI v1
			} else {
				_, n = readULEB(data[p:])
				p += n
			}

			var fdePtrEnc byte = 0x00 // DW_EH_PE_absptr, native width
			if len(aug) > 0 && aug[0] == 'z' {
				_, n = readULEB(data[p:]) // augmentation data length
				p += n
				for _, c := range aug[1:] {
					switch c {
					case 'R':
						fdePtrEnc = data[p]
						p++
					case 'P':
						encByte := data[p]
						p++
						p += pointerEncSize(encByte)
					case 'L':
						p++
					case 'S':
						// signal frame, no extra data
					}
				}
			}
			cies[recordStart] = cieInfo{fdePtrEnc: fdePtrEnc}
		} else {
			// FDE: idField is the distance from this field back to the
			// start (length field) of its CIE.
			ciePos := idOff - int(idField)
			ci, ok := cies[ciePos]
			if !ok {
				off = recordEnd
				continue
			}
			p := off
			pcBeginFieldAddr := sec.Addr + uint64(p)
			pcBegin, n := readEncodedPointer(data[p:], ci.fdePtrEnc, pcBeginFieldAddr)
			p += n
			pcRange, n := readEncodedPointer(data[p:], ci.fdePtrEnc&0x0f, 0)
			p += n

			if pcRange > 0 {
				ranges = append(ranges, funcindex.Range{Start: pcBegin, End: pcBegin + pcRange})
				symbols[pcBegin] = "sub_" + hex(pcBegin)
			}
		}
		off = recordEnd
	}

	return ranges, symbols, nil
}

// pointerEncSize returns the byte width of a DWARF exception-header
// pointer encoding's low nibble (the format, independent of its
// application modifier in the high nibble).
func pointerEncSize(enc byte) int {
	switch enc & 0x0f {
	case 0x00: // DW_EH_PE_absptr / native size
		return 8
	case 0x01, 0x09: // uleb128 / sleb128, variable: caller must not rely on this
		return 0
	case 0x02, 0x0a: // udata2 / sdata2
		return 2
	case 0x03, 0x0b: // udata4 / sdata4
		return 4
	case 0x04, 0x0c: // udata8 / sdata8
		return 8
	default:
		return 8
	}
}

// readEncodedPointer decodes a DWARF exception-header pointer at the
// front of buf per enc, resolving a PC-relative application (the common
// case for linked .eh_frame) against fieldAddr.
func readEncodedPointer(buf []byte, enc byte, fieldAddr uint64) (uint64, int) {
	format := enc & 0x0f
	var value uint64
	var size int
	switch format {
	case 0x03: // udata4
		value = uint64(binary.LittleEndian.Uint32(buf))
		size = 4
	case 0x0b: // sdata4
		value = uint64(int64(int32(binary.LittleEndian.Uint32(buf))))
		size = 4
	case 0x04: // udata8
		value = binary.LittleEndian.Uint64(buf)
		size = 8
	case 0x0c: // sdata8
		value = uint64(int64(binary.LittleEndian.Uint64(buf)))
		size = 8
	case 0x02: // udata2
		value = uint64(binary.LittleEndian.Uint16(buf))
		size = 2
	default: // absptr / unknown, treat as native 8-byte
		value = binary.LittleEndian.Uint64(buf)
		size = 8
	}

	if enc&0x10 != 0 && fieldAddr != 0 { // DW_EH_PE_pcrel
		value += fieldAddr
	}
	return value, size
}

func readULEB(buf []byte) (uint64, int) {
	var result uint64
	var shift uint
	var i int
	for i = 0; i < len(buf); i++ {
		b := buf[i]
		result |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			i++
			break
		}
	}
	return result, i
}

func readSLEB(buf []byte) (int64, int) {
	var result int64
	var shift uint
	var i int
	var b byte
	for i = 0; i < len(buf); i++ {
		b = buf[i]
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			i++
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i
}

const hexDigits = "0123456789abcdef"

func hex(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}
