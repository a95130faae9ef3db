package resolvers

import (
	"github.com/xyproto/sleuth/pkg/resolver"
)

// UObjectBaseShutdown is `UObjectBaseShutdown()`, torn down once the
// global object hash tables (GUObjectArray's companion name/outer hash
// maps) no longer have any registered delete listeners.
var UObjectBaseShutdown = resolver.Register[uint64]("unreal.UObjectBaseShutdown", func(ctx *resolver.Context) (uint64, error) {
	p, err := utf16Pattern("All UObject delete listeners should be unregistered when shutting down the UObject array\x00")
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

// FUObjectHashTablesGetTypeHash is the FName-based hash function the
// outer/name object hash tables key on -- reached via the same
// string-anchor-then-xref technique GUObjectArray's siblings use, here
// anchored on a hash-collision warning unique to the hash table code.
var FUObjectHashTablesGetTypeHash = resolver.Register[uint64]("unreal.FUObjectHashTablesGetTypeHash", func(ctx *resolver.Context) (uint64, error) {
	p, err := utf16Pattern("Fatal error: UObject Hash Tables Corrupted!\x00")
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
