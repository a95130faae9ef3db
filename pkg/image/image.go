// Package image loads a PE, ELF, or minidump-wrapped executable image
// into a memory.Memory plus a funcindex.Index, the two structures every
// resolver operates against.
package image

import (
	"bytes"

	"github.com/xyproto/sleuth/pkg/funcindex"
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/sleutherr"
)

// Image is a loaded executable: its address-keyed bytes plus the
// function-range index recovered from its unwind metadata.
type Image interface {
	Memory() *memory.Memory
	Functions() *funcindex.Index
	ImageBase() uint64
	EntryPoint() uint64
	Format() string
}

// Load sniffs data's magic bytes and dispatches to the matching loader.
// A minidump is unwrapped to the PE module it contains before parsing.
func Load(data []byte) (Image, error) {
	switch {
	case bytes.HasPrefix(data, []byte("MZ")):
		return LoadPE(data)
	case bytes.HasPrefix(data, []byte{0x7f, 'E', 'L', 'F'}):
		return LoadELF(data)
	case bytes.HasPrefix(data, []byte("MDMP")):
		return LoadMinidump(data)
	default:
		return nil, sleutherr.Unsupported("unrecognized image magic %x", data[:min(4, len(data))])
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
