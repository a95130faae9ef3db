// Package memory provides an address-keyed view over a loaded executable
// image: section lookup, bounds-checked typed reads, RIP-relative
// resolution, and string extraction.
package memory

import (
	"encoding/binary"
	"os"
	"sort"
	"unicode/utf16"

	"golang.org/x/sys/unix"

	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/sleutherr"
)

// Section is one contiguous, loaded region of the image, keyed by its
// virtual address as the loader would place it.
type Section struct {
	Name    string
	Addr    uint64
	Data    []byte
	Execute bool
	Write   bool
}

// End returns the first address past the section.
func (s Section) End() uint64 { return s.Addr + uint64(len(s.Data)) }

// Memory is a read-only, address-keyed view over an image's sections.
type Memory struct {
	ImageBase uint64
	Sections  []Section
}

// New builds a Memory from sections, sorting them by address so lookups
// can binary-search.
func New(imageBase uint64, sections []Section) *Memory {
	sorted := append([]Section(nil), sections...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	return &Memory{ImageBase: imageBase, Sections: sorted}
}

// SectionContaining returns the section holding addr, if any.
func (m *Memory) SectionContaining(addr uint64) (*Section, bool) {
	idx := sort.Search(len(m.Sections), func(i int) bool {
		return m.Sections[i].Addr+uint64(len(m.Sections[i].Data)) > addr
	})
	if idx == len(m.Sections) {
		return nil, false
	}
	s := &m.Sections[idx]
	if addr < s.Addr || addr >= s.End() {
		return nil, false
	}
	return s, true
}

// Range returns the length bytes at addr, bounds-checked against the
// owning section.
func (m *Memory) Range(addr, length uint64) ([]byte, error) {
	s, ok := m.SectionContaining(addr)
	if !ok {
		return nil, sleutherr.MemoryAccess(addr, length)
	}
	off := addr - s.Addr
	if off+length > uint64(len(s.Data)) {
		return nil, sleutherr.MemoryAccess(addr, length)
	}
	return s.Data[off : off+length], nil
}

// RangeFrom returns every byte from addr to the end of its section.
func (m *Memory) RangeFrom(addr uint64) ([]byte, error) {
	s, ok := m.SectionContaining(addr)
	if !ok {
		return nil, sleutherr.MemoryAccess(addr, 0)
	}
	off := addr - s.Addr
	return s.Data[off:], nil
}

// U8 reads a single byte at addr.
func (m *Memory) U8(addr uint64) (uint8, error) {
	b, err := m.Range(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16 reads a little-endian uint16 at addr.
func (m *Memory) U16(addr uint64) (uint16, error) {
	b, err := m.Range(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// U32 reads a little-endian uint32 at addr.
func (m *Memory) U32(addr uint64) (uint32, error) {
	b, err := m.Range(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads a little-endian uint64 at addr.
func (m *Memory) U64(addr uint64) (uint64, error) {
	b, err := m.Range(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// I32 reads a little-endian int32 at addr.
func (m *Memory) I32(addr uint64) (int32, error) {
	v, err := m.U32(addr)
	return int32(v), err
}

// Rip4 resolves the 4-byte RIP-relative displacement stored at addr,
// relative to the end of that 4-byte field (the x86-64 convention for an
// instruction's trailing disp32).
func (m *Memory) Rip4(addr uint64) (uint64, error) {
	disp, err := m.I32(addr)
	if err != nil {
		return 0, err
	}
	return uint64(int64(addr) + 4 + int64(disp)), nil
}

// ReadString reads a NUL-terminated ASCII/UTF-8 string starting at addr.
func (m *Memory) ReadString(addr uint64) (string, error) {
	rest, err := m.RangeFrom(addr)
	if err != nil {
		return "", err
	}
	for i, b := range rest {
		if b == 0 {
			return string(rest[:i]), nil
		}
	}
	return "", sleutherr.MemoryAccess(addr, uint64(len(rest)))
}

// ReadWString reads a NUL-terminated UTF-16LE string starting at addr, the
// representation FString/FName use internally.
func (m *Memory) ReadWString(addr uint64) (string, error) {
	rest, err := m.RangeFrom(addr)
	if err != nil {
		return "", err
	}
	var units []uint16
	for i := 0; i+1 < len(rest); i += 2 {
		u := binary.LittleEndian.Uint16(rest[i:])
		if u == 0 {
			return string(utf16.Decode(units)), nil
		}
		units = append(units, u)
	}
	return "", sleutherr.MemoryAccess(addr, uint64(len(rest)))
}

// Captures extracts the raw bytes (or resolved RIP-relative target, for
// xref captures) of every capture group in p, given the absolute address
// where the match started.
func (m *Memory) Captures(p *pattern.Pattern, matchAddr uint64) ([][]byte, error) {
	out := make([][]byte, len(p.Captures))
	for i, c := range p.Captures {
		addr := matchAddr + uint64(c.Start)
		switch c.Kind {
		case pattern.CaptureRip:
			target, err := m.Rip4(addr)
			if err != nil {
				return nil, err
			}
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, target)
			out[i] = b
		default:
			b, err := m.Range(addr, uint64(c.Len))
			if err != nil {
				return nil, err
			}
			out[i] = append([]byte(nil), b...)
		}
	}
	return out, nil
}

// MapFile memory-maps path read-only via mmap and returns its bytes. The
// mapping is never explicitly unmapped; the process's address space is
// reclaimed on exit, matching the short-lived, single-shot nature of a
// sleuth run.
func MapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sleutherr.Msg("open %s: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, sleutherr.Msg("stat %s: %v", path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, sleutherr.Msg("mmap %s: %v", path, err)
	}
	return data, nil
}
