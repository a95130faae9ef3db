package resolvers

import (
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/resolver"
)

// UObjectSkipFunction is `UObject::SkipFunction(FFrame&, void*const,
// UFunction*)`, the blueprint VM's unknown-opcode handler. GNatives is
// found by scanning forward from here for the LEA/CALL that loads the
// opcode dispatch table.
var UObjectSkipFunction = resolver.Register[uint64]("unreal.UObjectSkipFunction", func(ctx *resolver.Context) (uint64, error) {
	p, err := pattern.Compile("40 55 41 54 41 55 41 56 41 57 48 83 EC 30 48 8D 6C 24 20 48 89 5D 40 48 89 75 48 48 89 7D 50 48 8B 05 ?? ?? ?? ?? 48 33 C5 48 89 45 00")
	if err != nil {
		return 0, err
	}
	hits, err := ctx.Scan(p)
	if err != nil {
		return 0, err
	}
	return resolver.EnsureOne(hits)
})

// GNatives is the blueprint VM's opcode -> native-function dispatch
// table (`TArray<FNativeFuncPtr, ...> GNatives`). PE builds load it with
// a forward RIP-relative LEA; ELF builds index it with a scaled,
// base-less SIB addressing mode instead.
var GNatives = resolver.Register[uint64]("unreal.GNatives", resolver.Collect(
	gnativesViaLea,
	gnativesViaSIB,
))

func gnativesViaLea(ctx *resolver.Context) (uint64, error) {
	skipFn, err := resolveDep[uint64](ctx, UObjectSkipFunction)
	if err != nil {
		return 0, err
	}
	lea, err := pattern.Compile("01001??? 8D 00???101 | ?? ?? ?? ??")
	if err != nil {
		return 0, err
	}
	return scanForward(ctx, skipFn, 500, lea)
}

func gnativesViaSIB(ctx *resolver.Context) (uint64, error) {
	skipFn, err := resolveDep[uint64](ctx, UObjectSkipFunction)
	if err != nil {
		return 0, err
	}
	call, err := pattern.Compile("FF 00010100 11???101 | ?? ?? ?? ??")
	if err != nil {
		return 0, err
	}
	mem := ctx.Memory()
	sec, ok := mem.SectionContaining(skipFn)
	if !ok {
		return 0, resolver.BailOut("no section contains UObjectSkipFunction")
	}
	limit := skipFn + 500
	if limit > sec.End() {
		limit = sec.End()
	}
	for addr := skipFn; addr+uint64(call.Len()) <= limit; addr++ {
		if call.MatchAt(sec.Data, int(addr-sec.Addr)) {
			v, err := mem.U32(addr + uint64(call.CustomOffset))
			if err != nil {
				continue
			}
			return uint64(v), nil
		}
	}
	return 0, resolver.BailOut("no SIB-addressed native table load found")
}

// scanForward walks addr..addr+window byte-by-byte looking for p's first
// match, returning the RIP-relative target of its custom-offset field.
func scanForward(ctx *resolver.Context, addr uint64, window uint64, p *pattern.Pattern) (uint64, error) {
	mem := ctx.Memory()
	sec, ok := mem.SectionContaining(addr)
	if !ok {
		return 0, resolver.BailOut("no section contains 0x%x", addr)
	}
	limit := addr + window
	if limit > sec.End() {
		limit = sec.End()
	}
	for a := addr; a+uint64(p.Len()) <= limit; a++ {
		if p.MatchAt(sec.Data, int(a-sec.Addr)) {
			return mem.Rip4(a + uint64(p.CustomOffset))
		}
	}
	return 0, resolver.BailOut("pattern not found within 0x%x bytes of 0x%x", window, addr)
}

// NativeFunction is one entry in a UClass's native-function registration
// table: the reflection name Blueprint calls it by, and the exec-handler
// pointer the VM dispatches to for that name.
type NativeFunction struct {
	Name string
	Func uint64
}

// registerNativesCall is a candidate RegisterFunctions call site: the
// table pointer and entry count read out of its LEA/imm32 operands.
type registerNativesCall struct {
	Table uint64
	Count uint32
}

// KismetSystemLibraryRegisterNatives locates the
// FNativeFunctionRegistrar::RegisterFunctions call site that registers
// UKismetSystemLibrary's exec table: a RIP-relative LEA loading the
// table pointer into RDX, an immediate-mode entry count into R8D, then
// the call itself. Not part of the upstream resolver set this library
// is modeled on; the LEA/imm32/CALL shape alone matches many call sites
// across the binary, so candidates are disambiguated by requiring the
// resolved table to actually list "PrintString", a name no other
// class's registration table contains. Each entry is 0x10 bytes: an
// 8-byte pointer to the function's reflection name followed by its
// 8-byte exec pointer.
var KismetSystemLibraryRegisterNatives = resolver.Register[[]NativeFunction]("unreal.KismetSystemLibraryRegisterNatives", func(ctx *resolver.Context) ([]NativeFunction, error) {
	anchor, err := pattern.Compile("50 72 69 6E 74 53 74 72 69 6E 67 00") // "PrintString\0"
	if err != nil {
		return nil, err
	}
	anchorHits, err := ctx.Scan(anchor)
	if err != nil {
		return nil, err
	}
	anchorAddr, err := resolver.EnsureOne(anchorHits)
	if err != nil {
		return nil, err
	}

	call, err := pattern.Compile("48 8D 15 | ?? ?? ?? ?? 41 B8 ?? ?? ?? ?? E8 ?? ?? ?? ??")
	if err != nil {
		return nil, err
	}
	hits, err := ctx.Scan(call)
	if err != nil {
		return nil, err
	}

	mem := ctx.Memory()
	var candidates []registerNativesCall
	for _, hit := range hits {
		table, err := mem.Rip4(hit)
		if err != nil {
			continue
		}
		count, err := mem.U32(hit + 6)
		if err != nil || count == 0 || count > 512 {
			continue
		}
		if tableListsName(mem, table, count, anchorAddr) {
			candidates = append(candidates, registerNativesCall{Table: table, Count: count})
		}
	}

	chosen, err := resolver.EnsureOne(candidates)
	if err != nil {
		return nil, err
	}
	return readNativeTable(mem, chosen.Table, chosen.Count)
})

// tableListsName reports whether any of the table's count entries holds
// nameAddr as its name pointer.
func tableListsName(mem *memory.Memory, table uint64, count uint32, nameAddr uint64) bool {
	for i := uint32(0); i < count; i++ {
		namePtr, err := mem.U64(table + uint64(i)*0x10)
		if err != nil {
			return false
		}
		if namePtr == nameAddr {
			return true
		}
	}
	return false
}

// readNativeTable walks count 0x10-byte entries starting at table,
// resolving each name pointer to its string and pairing it with the
// entry's raw exec-function pointer.
func readNativeTable(mem *memory.Memory, table uint64, count uint32) ([]NativeFunction, error) {
	funcs := make([]NativeFunction, 0, count)
	for i := uint32(0); i < count; i++ {
		entry := table + uint64(i)*0x10
		namePtr, err := mem.U64(entry)
		if err != nil {
			return nil, err
		}
		name, err := mem.ReadString(namePtr)
		if err != nil {
			return nil, err
		}
		fn, err := mem.U64(entry + 8)
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, NativeFunction{Name: name, Func: fn})
	}
	return funcs, nil
}

// resolveDep resolves f's already-registered Factory and type-asserts
// its result, the generic glue every multi-resolver dependency uses.
func resolveDep[T any](ctx *resolver.Context, f *resolver.Factory[T]) (T, error) {
	var zero T
	v, err := ctx.Resolve(f.Name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, resolver.BailOut("unexpected type for %s", f.Name)
	}
	return t, nil
}
