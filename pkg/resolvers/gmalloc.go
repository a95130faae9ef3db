package resolvers

import (
	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/resolver"
)

// GMalloc is the global allocator pointer (`FMalloc* GMalloc`). Builds
// vary enough in how they construct it that two independent strategies
// are tried and reconciled into one answer.
var GMalloc = resolver.Register[uint64]("unreal.GMalloc", func(ctx *resolver.Context) (uint64, error) {
	patterns, patternsErr := resolveDep[uint64](ctx, GMallocPatterns)
	str, strErr := resolveDep[uint64](ctx, GMallocString)

	var candidates []uint64
	if patternsErr == nil {
		candidates = append(candidates, patterns)
	}
	if strErr == nil {
		candidates = append(candidates, str)
	}
	return resolver.EnsureOne(candidates)
})

var gmallocPatternSigs = []string{
	"48 ?? ?? F0 ?? 0F B1 ?? | ?? ?? ?? ?? 74 ?? ?? 85 ?? 74 ?? ?? 8B",
	"EB 03 ?? 8B ?? 48 8B ?? F0 ?? 0F B1 ?? | ?? ?? ?? ?? 74 ?? ?? 85 ?? 74 ?? ?? 8B",
	"E8 ?? ?? ?? ?? 48 8B ?? F0 ?? 0F B1 ?? | ?? ?? ?? ?? 74 ?? ?? 85 ?? 74 ?? ?? 8B",
	"48 85 C9 74 2E 53 48 83 EC 20 48 8B D9 48 8B ?? | ?? ?? ?? ?? 48 85 C9",
	"48 85 C9 74 ?? 4C 8B 05 | ?? ?? ?? ?? 4D 85 C0 0F 84",
	"48 89 ?? F0 ?? 0F B1 ?? | ?? ?? ?? ?? 48 39 ?? 74 ?? 48 8B 1D",
	"48 89 ?? F0 ?? 0F B1 ?? | ?? ?? ?? ?? 48 39 ?? 75 ?? 48 83 C4",
}

// GMallocPatterns tries GMalloc's common direct-access idioms, all of
// them a compare-exchange or pointer-compare against GMalloc itself.
var GMallocPatterns = resolver.Register[uint64]("unreal.GMallocPatterns", func(ctx *resolver.Context) (uint64, error) {
	var hits []uint64
	for _, s := range gmallocPatternSigs {
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

// GMallocString anchors on FWinPlatformFileFunctions' %s-formatted
// "DeleteFile %s" debug string, then takes the RIP-relative global
// referenced by the first `MOV RCX, [rip+disp]` within 1000 bytes of its
// containing function's start -- almost always GMalloc itself, set up before a call
// through the allocator's vtable.
var GMallocString = resolver.Register[uint64]("unreal.GMallocString", func(ctx *resolver.Context) (uint64, error) {
	p, err := utf16Pattern("DeleteFile %s\x00")
	if err != nil {
		return 0, err
	}
	hits, err := ctx.Scan(p)
	if err != nil {
		return 0, err
	}
	fns := stringRefs(ctx, hits)

	movRcx, err := pattern.Compile("48 8B 0D | ?? ?? ?? ??")
	if err != nil {
		return 0, err
	}

	var candidates []uint64
	for _, fn := range fns {
		if t, err := scanForward(ctx, fn, 1000, movRcx); err == nil {
			candidates = append(candidates, t)
		}
	}
	return resolver.EnsureOne(candidates)
})
