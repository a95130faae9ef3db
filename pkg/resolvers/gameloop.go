package resolvers

import (
	"sort"

	"github.com/xyproto/sleuth/pkg/disasm"
	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/resolver"
)

// UGameEngineTick is `UGameEngine::Tick(float, bool)`, found by the
// "EngineTickMisc" stat-group label it passes to its scope-cycle timer.
var UGameEngineTick = resolver.Register[uint64]("unreal.UGameEngineTick", func(ctx *resolver.Context) (uint64, error) {
	p, err := pattern.Compile("45 6E 67 69 6E 65 54 69 63 6B 4D 69 73 63 00") // "EngineTickMisc\0"
	if err != nil {
		return 0, err
	}
	hits, err := ctx.Scan(p)
	if err != nil {
		return 0, err
	}

	var leaRefs []uint64
	for _, s := range hits {
		leaP, err := pattern.Compile("48 8D 0D X0x" + hexUpper(s))
		if err != nil {
			return 0, err
		}
		refs, err := ctx.Scan(leaP)
		if err != nil {
			return 0, err
		}
		leaRefs = append(leaRefs, refs...)
	}

	fns := rootFunctions(ctx, leaRefs)
	return resolver.EnsureOne(fns)
})

// FEngineLoopInit is `FEngineLoop::Init()`, anchored on any of three log
// strings unique to engine bring-up.
var FEngineLoopInit = resolver.Register[uint64]("unreal.FEngineLoopInit", func(ctx *resolver.Context) (uint64, error) {
	sigs := []string{
		"FEngineLoop::Init\x00",
		"Failed to load UnrealEd Engine class '%s'.\x00",
		"One or more modules failed PostEngineInit\x00",
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
	return resolver.EnsureOne(fns)
})

// TickCallSites walks UGameEngineTick's root function with the
// disassembler and reports every direct CALL target reached within it,
// sorted and deduplicated. It demonstrates funcindex-bounded walking
// rather than locating a single symbol.
var TickCallSites = resolver.Register[[]uint64]("unreal.TickCallSites", func(ctx *resolver.Context) ([]uint64, error) {
	tick, err := resolveDep[uint64](ctx, UGameEngineTick)
	if err != nil {
		return nil, err
	}

	seen := map[uint64]bool{}
	var calls []uint64
	err = disasm.Walk(ctx.Memory(), ctx.Functions(), tick, disasm.VisitorFunc(func(in disasm.Instruction) disasm.Verdict {
		if in.Kind == disasm.KindCall && in.HasTarget && !seen[in.Target] {
			seen[in.Target] = true
			calls = append(calls, in.Target)
		}
		return disasm.Continue
	}))
	if err != nil {
		return nil, err
	}

	sort.Slice(calls, func(i, j int) bool { return calls[i] < calls[j] })
	return calls, nil
})

func hexUpper(v uint64) string {
	const digits = "0123456789ABCDEF"
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf[i:])
}
