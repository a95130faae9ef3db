package resolvers

import (
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/resolver"
)

// GEngine is the global engine pointer (`UEngine* GEngine`), found via
// the debug command string "rhi.DumpMemory" rather than any PE/ELF
// symbol. Its reference site loads the string into R8 as a log-category
// argument, with the global itself staged into RCX just beforehand --
// PE only, the ELF build of this call site has no observed equivalent.
var GEngine = resolver.Register[uint64]("unreal.GEngine", resolver.ForPE(func(ctx *resolver.Context) (uint64, error) {
	p, err := utf16Pattern("rhi.DumpMemory\x00")
	if err != nil {
		return 0, err
	}
	strs, err := ctx.Scan(p)
	if err != nil {
		return 0, err
	}

	refs := ctx.ScanXrefs(strs)
	var flatRefs []uint64
	for _, r := range refs {
		flatRefs = append(flatRefs, r...)
	}

	movRcx, err := pattern.Compile("48 8B 0D | ?? ?? ?? ??")
	if err != nil {
		return 0, err
	}

	mem := ctx.Memory()
	var candidates []uint64
	for _, ref := range flatRefs {
		if !isLeaR8(mem, ref) {
			continue
		}
		root, ok := ctx.Functions().RangeContaining(ref)
		if !ok {
			continue
		}
		if t, err := scanLastBefore(mem, root.Start, ref, movRcx); err == nil {
			candidates = append(candidates, t)
		}
	}
	return resolver.EnsureOne(candidates)
}))

// isLeaR8 reports whether the instruction whose RIP-relative
// displacement field sits at dispAddr is `LEA R8, [rip+disp32]`: REX.W
// and REX.R set (0x4C), opcode 0x8D, ModRM mod=00/reg=000/rm=101 (the
// reg field's low bits are 000; REX.R supplies the high bit that
// selects R8 over RAX).
func isLeaR8(mem *memory.Memory, dispAddr uint64) bool {
	rex, err1 := mem.U8(dispAddr - 3)
	op, err2 := mem.U8(dispAddr - 2)
	modrm, err3 := mem.U8(dispAddr - 1)
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	return rex == 0x4C && op == 0x8D && modrm == 0x05
}

// scanLastBefore is scanForward's counterpart: it returns the
// RIP-relative target of p's last match strictly before limit, since
// the register staged for a call is whatever it was most recently set
// to, not the first thing it was ever set to in the function.
func scanLastBefore(mem *memory.Memory, start, limit uint64, p *pattern.Pattern) (uint64, error) {
	sec, ok := mem.SectionContaining(start)
	if !ok {
		return 0, resolver.BailOut("no section contains 0x%x", start)
	}
	var lastMatch uint64
	found := false
	for a := start; a+uint64(p.Len()) <= limit && a < sec.End(); a++ {
		if p.MatchAt(sec.Data, int(a-sec.Addr)) {
			lastMatch = a
			found = true
		}
	}
	if !found {
		return 0, resolver.BailOut("pattern not found in 0x%x..0x%x", start, limit)
	}
	return mem.Rip4(lastMatch + uint64(p.CustomOffset))
}
