package resolvers

import (
	"fmt"

	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/resolver"
)

// FNameCtorWchar locates FName::FName(wchar_t const*, EFindName), the
// constructor Unreal calls to intern a literal name. PE builds usually
// keep a direct call visible; ELF builds tend to inline or split it, so
// the two platforms use unrelated strategies.
var FNameCtorWchar = resolver.Register[uint64]("unreal.FNameCtorWchar", resolver.Collect(
	fnameCtorWcharPE,
	fnameCtorWcharELF,
))

func fnameCtorWcharPE(ctx *resolver.Context) (uint64, error) {
	strings := []string{"TGPUSkinVertexFactoryUnlimited\x00", "MovementComponent0\x00"}
	var addrs []uint64
	for _, s := range strings {
		p, err := utf16Pattern(s)
		if err != nil {
			return 0, err
		}
		hits, err := ctx.Scan(p)
		if err != nil {
			return 0, err
		}
		addrs = append(addrs, hits...)
	}

	var candidates []uint64
	var lastErr error
	for _, s := range addrs {
		p, err := pattern.Compile(fmt.Sprintf("48 8D 15 X0x%X 48 8D 0D ?? ?? ?? ?? E8 | ?? ?? ?? ??", s))
		if err != nil {
			return 0, err
		}
		hits, err := ctx.Scan(p)
		if err != nil {
			lastErr = err
			continue
		}
		for _, h := range hits {
			target, err := ctx.Memory().Rip4(h)
			if err != nil {
				lastErr = err
				continue
			}
			candidates = append(candidates, target)
		}
	}
	if len(candidates) == 0 && lastErr != nil {
		return 0, lastErr
	}
	return resolver.EnsureOne(candidates)
}

func fnameCtorWcharELF(ctx *resolver.Context) (uint64, error) {
	// Anchored on FEngineLoop::LoadPreInitModules, which references a
	// run of module-name literals in sequence on Linux builds.
	names := []string{"\x00Engine\x00", "\x00Renderer\x00", "\x00AnimGraphRuntime\x00", "\x00Landscape\x00", "\x00RenderCore\x00"}

	var perString [][]uint64
	for _, s := range names {
		p, err := utf16Pattern(s)
		if err != nil {
			return 0, err
		}
		hits, err := ctx.Scan(p)
		if err != nil {
			return 0, err
		}
		for i := range hits {
			hits[i] += 2
		}
		perString = append(perString, hits)
	}

	var candidateFns []uint64
	for i, addrs := range perString {
		fns := stringRefs(ctx, addrs)
		if i == 0 {
			candidateFns = fns
			continue
		}
		candidateFns = intersect(candidateFns, fns)
	}

	fn, err := resolver.EnsureOne(candidateFns)
	if err != nil {
		return 0, err
	}

	p, err := pattern.Compile("BA 01 00 00 00 E8 | ?? ?? ?? ??")
	if err != nil {
		return 0, err
	}
	mem := ctx.Memory()
	sec, ok := mem.SectionContaining(fn)
	if !ok {
		return 0, fmt.Errorf("no section contains %#x", fn)
	}
	for i := uint64(0); i < 48 && fn+i+uint64(p.Len()) <= sec.End(); i++ {
		if p.MatchAt(sec.Data, int(fn+i-sec.Addr)) {
			return mem.Rip4(fn + i + uint64(p.CustomOffset))
		}
	}
	return 0, resolver.BailOut("no FName::FName call found near LoadPreInitModules")
}

// FNameToStringFString is `FString FName::ToString() const`.
var FNameToStringFString = resolver.Register[uint64]("unreal.FNameToStringFString", func(ctx *resolver.Context) (uint64, error) {
	p, err := pattern.Compile("48 8B 48 ?? 48 89 4C 24 ?? 48 8D 4C 24 ?? E8 | ?? ?? ?? ?? 83 7C 24 ?? 00 48 8D")
	if err != nil {
		return 0, err
	}
	hits, err := ctx.Scan(p)
	if err != nil {
		return 0, err
	}
	return tryEnsureRip4(ctx, hits)
})

// FNameToStringVoid is `void FName::ToString(FString&) const`.
var FNameToStringVoid = resolver.Register[uint64]("unreal.FNameToStringVoid", func(ctx *resolver.Context) (uint64, error) {
	sigs := []string{
		"E8 | ?? ?? ?? ?? ?? 01 00 00 00 ?? 39 ?? 48 0F 8E",
		"E8 | ?? ?? ?? ?? BD 01 00 00 00 41 39 6E ?? 0F 8E",
		"E8 | ?? ?? ?? ?? 48 8B 4C 24 ?? 8B FD 48 85 C9",
	}
	var hits []uint64
	for _, s := range sigs {
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

// FNameToString resolves the ToString call a build makes beside its
// "SkySphereMesh" reference, whichever of the two variants that is.
var FNameToString = resolver.Register[uint64]("unreal.FNameToString", func(ctx *resolver.Context) (uint64, error) {
	p, err := utf16Pattern("SkySphereMesh\x00")
	if err != nil {
		return 0, err
	}
	hits, err := ctx.Scan(p)
	if err != nil {
		return 0, err
	}
	addr, err := resolver.EnsureOne(hits)
	if err != nil {
		return 0, err
	}

	call, err := pattern.Compile(fmt.Sprintf("E8 | ?? ?? ?? ?? 49 8B 5F 10 48 8D 7C 24 30 BE 0x%X", addr))
	if err != nil {
		return 0, err
	}
	refs, err := ctx.Scan(call)
	if err != nil {
		return 0, err
	}
	return tryEnsureRip4(ctx, refs)
})

func tryEnsureRip4(ctx *resolver.Context, hits []uint64) (uint64, error) {
	var targets []uint64
	for _, h := range hits {
		t, err := ctx.Memory().Rip4(h)
		if err != nil {
			continue
		}
		targets = append(targets, t)
	}
	return resolver.EnsureOne(targets)
}
