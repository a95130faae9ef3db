package resolvers

import (
	"fmt"

	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/resolver"
)

// EngineVersion is the major.minor pair Unreal stamps into its own
// compiled-in FEngineVersion global through an immediate-mode store.
type EngineVersion struct {
	Major uint16
	Minor uint16
}

func (v EngineVersion) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

var engineVersionSigs = []string{
	"C7 03 | 04 00 ?? 00 66 89 4B 04 48 3B F8 74 ?? 48",
	"41 C7 04 24 | 04 00 ?? 00 B9 ?? 00 00 00",
	"C7 46 20 | 04 00 ?? 00 66 44 89 76 24 44 89 76 28 48 39 C7",
	"C7 03 | 04 00 ?? 00 66 44 89 63 04 C7 43 08 C1 5C 08 80 E8",
	"C7 47 20 | 04 00 ?? 00 66 89 6F 24 C7 47 28 ?? ?? ?? ?? 49",
	"C7 03 | 04 00 ?? 00 66 89 6B 04 89 7B 08 48 83 C3 10",
	"C7 06 | 05 00 ?? ?? 48 8B 5C 24 20 4C 8D 76 10 33 ED",
}

// EngineVersion's store instruction leaves the version as two literal
// 16-bit halves directly after the matched opcode, so the scan result
// address itself (rather than a RIP-relative target) is read.
var EngineVersionResolver = resolver.Register[EngineVersion]("unreal.EngineVersion", func(ctx *resolver.Context) (EngineVersion, error) {
	var hits []uint64
	for _, s := range engineVersionSigs {
		p, err := pattern.Compile(s)
		if err != nil {
			return EngineVersion{}, err
		}
		h, err := ctx.Scan(p)
		if err != nil {
			return EngineVersion{}, err
		}
		hits = append(hits, h...)
	}

	var candidates []EngineVersion
	mem := ctx.Memory()
	for _, a := range hits {
		major, err := mem.U16(a)
		if err != nil {
			continue
		}
		minor, err := mem.U16(a + 2)
		if err != nil {
			continue
		}
		if !plausibleVersion(major, minor) {
			continue
		}
		candidates = append(candidates, EngineVersion{Major: major, Minor: minor})
	}
	return resolver.EnsureOne(candidates)
})

// plausibleVersion filters out the false positives 4.x immediates
// produce in unrelated code: only known-shipped Unreal major.minor
// combinations are accepted.
func plausibleVersion(major, minor uint16) bool {
	switch major {
	case 4:
		return minor <= 27
	case 5:
		return true
	default:
		return false
	}
}
