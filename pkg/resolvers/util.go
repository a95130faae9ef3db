// Package resolvers is a representative resolver library for locating
// Unreal Engine internals inside a stripped PE/ELF/minidump image: FName
// construction and stringification, the global object array and
// allocator, the blueprint virtual machine dispatch table, engine
// version strings, and the per-frame tick entry point.
package resolvers

import (
	"fmt"
	"sort"

	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/resolver"
)

// utf16Pattern compiles an exact-match pattern over s's UTF-16LE bytes,
// the encoding every Unreal wide string literal is stored in.
func utf16Pattern(s string) (*pattern.Pattern, error) {
	toks := make([]string, 0, len(s)*2)
	for _, r := range s {
		for _, b := range []byte{byte(r), byte(r >> 8)} {
			toks = append(toks, fmt.Sprintf("%02X", b))
		}
	}
	return pattern.Compile(join(toks))
}

func join(toks []string) string {
	out := toks[0]
	for _, t := range toks[1:] {
		out += " " + t
	}
	return out
}

// stringRefs locates every RIP-relative 32-bit displacement (LEA/MOV)
// that references any string in strAddrs (raw 64-bit pointers to a
// string are not found), and collapses the hits into a deduplicated set of
// "root function" entry points (the function each reference lives in).
func stringRefs(ctx *resolver.Context, strAddrs []uint64) []uint64 {
	refs := ctx.ScanXrefs(strAddrs)
	var flat []uint64
	for _, r := range refs {
		flat = append(flat, r...)
	}
	return rootFunctions(ctx, flat)
}

// rootFunctions maps each address in addrs to its containing function's
// start, deduplicated and sorted for deterministic resolver output.
func rootFunctions(ctx *resolver.Context, addrs []uint64) []uint64 {
	seen := map[uint64]bool{}
	var out []uint64
	for _, a := range addrs {
		r, ok := ctx.Functions().RangeContaining(a)
		if !ok {
			continue
		}
		if !seen[r.Start] {
			seen[r.Start] = true
			out = append(out, r.Start)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// intersect returns the elements common to both sorted-or-not slices.
func intersect(a, b []uint64) []uint64 {
	set := map[uint64]bool{}
	for _, v := range a {
		set[v] = true
	}
	var out []uint64
	for _, v := range b {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}
