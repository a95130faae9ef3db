package resolvers

import (
	"github.com/xyproto/sleuth/pkg/resolver"
)

// FTextAsCultureInvariant is `FText FText::AsCultureInvariant(FString)`,
// the conversion every "raw string as display text" call site goes
// through. Not part of the upstream resolver set this library is
// modeled on; grounded on the same string-anchor-then-call-site
// technique FNameToString and UGameEngineTick use, applied to a literal
// that only appears in this function's warning path.
var FTextAsCultureInvariant = resolver.Register[uint64]("unreal.FTextAsCultureInvariant", func(ctx *resolver.Context) (uint64, error) {
	p, err := utf16Pattern("AsCultureInvariant\x00")
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

// FTextFromStringTable locates `FText FText::FromStringTable(FName,
// FString, EStringTableLoadingPolicy)` by the distinctive log message
// its miss path emits.
var FTextFromStringTable = resolver.Register[uint64]("unreal.FTextFromStringTable", func(ctx *resolver.Context) (uint64, error) {
	p, err := utf16Pattern("Attempted to create an FText from an invalid string table ID\x00")
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
