package resolvers

import (
	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/resolver"
)

var guObjectArraySigs = []string{
	"74 ?? 48 8D 0D | ?? ?? ?? ?? C6 05 ?? ?? ?? ?? 01 E8 ?? ?? ?? ?? C6 05 ?? ?? ?? ?? 01",
	"75 ?? 48 ?? ?? 48 8D 0D | ?? ?? ?? ?? E8 ?? ?? ?? ?? 45 33 C9 4C 89 74 24",
	"81 CE 00 00 00 02 83 E0 FB 89 47 08 48 8D 0D | ?? ?? ?? ?? 48 89 FA 45 31 C0 E8 ?? ?? ?? ??",
}

// GUObjectArray is the global `FUObjectArray GUObjectArray`, the packed
// chunked array every live UObject is registered in by index.
var GUObjectArray = resolver.Register[uint64]("unreal.GUObjectArray", func(ctx *resolver.Context) (uint64, error) {
	var hits []uint64
	for _, s := range guObjectArraySigs {
		p, err := pattern.Compile(s)
		if err != nil {
			return 0, err
		}
		h, err := ctx.Scan(p)
		if err != nil {
			return 0, err
		}
		hits = append(hits, h...)
	}
	return tryEnsureRip4(ctx, hits)
})

// FUObjectArrayAllocateUObjectIndex is
// `FUObjectArray::AllocateUObjectIndex(UObjectBase*, bool)`.
var FUObjectArrayAllocateUObjectIndex = resolver.Register[uint64]("unreal.FUObjectArrayAllocateUObjectIndex", func(ctx *resolver.Context) (uint64, error) {
	p, err := utf16Pattern("Unable to add more objects to disregard for GC pool (Max: %d)\x00")
	if err != nil {
		return 0, err
	}
	hits, err := ctx.Scan(p)
	if err != nil {
		return 0, err
	}
	fns := stringRefs(ctx, hits)
	return resolver.EnsureOne(fns)
})

// FUObjectArrayFreeUObjectIndex is
// `FUObjectArray::FreeUObjectIndex(UObjectBase*)`. It shares a debug
// string with AllocateUObjectIndex, so that function's own address is
// resolved first purely to filter it back out of the candidate set.
var FUObjectArrayFreeUObjectIndex = resolver.Register[uint64]("unreal.FUObjectArrayFreeUObjectIndex", func(ctx *resolver.Context) (uint64, error) {
	allocate, err := resolveDep[uint64](ctx, FUObjectArrayAllocateUObjectIndex)
	if err != nil {
		return 0, err
	}

	sigs := []string{
		"Removing object (0x%016llx) at index %d but the index points to a different object (0x%016llx)!\x00",
		"Unexpected concurency while adding new object\x00",
	}
	var strAddrs []uint64
	for _, s := range sigs {
		p, err := utf16Pattern(s)
		if err != nil {
			return 0, err
		}
		h, err := ctx.Scan(p)
		if err != nil {
			return 0, err
		}
		strAddrs = append(strAddrs, h...)
	}

	fns := stringRefs(ctx, strAddrs)
	var filtered []uint64
	for _, f := range fns {
		if f != allocate {
			filtered = append(filtered, f)
		}
	}
	return resolver.EnsureOne(filtered)
})
