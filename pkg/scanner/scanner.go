// Package scanner performs bulk wildcard byte-pattern and cross-reference
// search over a contiguous byte slice, parallelized across CPU-sized
// chunks with a portable word-at-a-time sieve standing in for SIMD lanes.
package scanner

import (
	"encoding/binary"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/xyproto/sleuth/pkg/pattern"
)

// laneWidth mirrors the spec's SIMD lane width for chunk-boundary
// reasoning; a plain uint64 word is the portable 8-wide "lane" here.
const laneWidth = 8

// ScanPatterns searches data (mapped at base) for every pattern, in
// parallel, and returns one ascending-by-address result slice per input
// pattern, in input order (spec §4.2).
func ScanPatterns(patterns []*pattern.Pattern, base uint64, data []byte) [][]uint64 {
	results := make([][]uint64, len(patterns))

	var g errgroup.Group
	for i, p := range patterns {
		i, p := i, p
		g.Go(func() error {
			results[i] = scanOnePattern(p, base, data)
			return nil
		})
	}
	_ = g.Wait() // scanOnePattern never returns an error

	return results
}

// scanOnePattern scans the whole slice for a single pattern, splitting the
// valid start range into parallel chunks and concatenating results in
// chunk order so the output stays deterministic and ascending regardless
// of goroutine completion order.
func scanOnePattern(p *pattern.Pattern, base uint64, data []byte) []uint64 {
	maxStart := len(data) - p.Len()
	if maxStart < 0 {
		return nil
	}

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	total := maxStart + 1
	if workers > total {
		workers = 1
	}
	chunk := (total + workers - 1) / workers

	perChunk := make([][]uint64, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		start := w * chunk
		end := start + chunk
		if end > total {
			end = total
		}
		if start >= end {
			continue
		}
		g.Go(func() error {
			perChunk[w] = sieveRange(p, base, data, start, end)
			return nil
		})
	}
	_ = g.Wait()

	var out []uint64
	for _, c := range perChunk {
		out = append(out, c...)
	}
	return out
}

// sieveRange scans data[start:end) (start values, not bytes) for p,
// first-byte-sieving 8 bytes at a time and falling back to a scalar
// masked compare on every sieve hit plus the scalar remainder. When the
// first signature byte is only partially masked the word sieve is
// skipped and the whole range goes through the scalar loop.
func sieveRange(p *pattern.Pattern, base uint64, data []byte, start, end int) []uint64 {
	var hits []uint64
	splat := splat8(p.Sig[0])

	i := start
	// word-at-a-time sieve while a full 8-byte word is available to read;
	// it compares whole bytes, so it only runs for an exact first byte
	for ; p.Mask[0] == 0xFF && i+laneWidth <= end && i+laneWidth <= len(data); i += laneWidth {
		word := binary.LittleEndian.Uint64(data[i : i+laneWidth])
		mask := hasZeroByte(word ^ splat)
		for mask != 0 {
			lane := trailingZeroByte(mask)
			pos := i + lane
			if p.MatchAt(data, pos) && xrefOK(p, base, data, pos) {
				hits = append(hits, base+uint64(pos+p.CustomOffset))
			}
			mask &^= 0x80 << (lane * 8)
		}
	}
	// scalar remainder: whatever didn't fit in a full word
	for ; i < end; i++ {
		if data[i]&p.Mask[0] != p.Sig[0]&p.Mask[0] {
			continue
		}
		if p.MatchAt(data, i) && xrefOK(p, base, data, i) {
			hits = append(hits, base+uint64(i+p.CustomOffset))
		}
	}
	return hits
}

func xrefOK(p *pattern.Pattern, base uint64, data []byte, matchStart int) bool {
	if p.XrefTarget == nil {
		return true
	}
	for _, c := range p.Captures {
		if c.Kind != pattern.CaptureRip || c.Target == nil {
			continue
		}
		pos := matchStart + c.Start
		if pos+4 > len(data) {
			return false
		}
		instrEnd := base + uint64(pos) + 4
		disp := int32(binary.LittleEndian.Uint32(data[pos : pos+4]))
		target := instrEnd + uint64(disp)
		if target != *c.Target {
			return false
		}
	}
	return true
}

func splat8(b byte) uint64 {
	v := uint64(b)
	v |= v << 8
	v |= v << 16
	v |= v << 32
	return v
}

// hasZeroByte returns a mask with bit 0x80 set in every byte lane of x
// that is zero (the classic SWAR "has zero byte" trick).
func hasZeroByte(x uint64) uint64 {
	const lo = 0x0101010101010101
	const hi = 0x8080808080808080
	return (x - lo) & ^x & hi
}

// trailingZeroByte returns the byte-lane index (0..7) of the
// lowest-indexed set 0x80 marker in mask.
func trailingZeroByte(mask uint64) int {
	for lane := 0; lane < 8; lane++ {
		if mask&(0x80<<(lane*8)) != 0 {
			return lane
		}
	}
	return 0
}

// ScanXrefs reports, for every requested absolute target address, every
// position base+j such that base+j+4+i32_le(data[j:j+4]) == target. A
// single pass over data builds candidate targets and fans them out to
// every requester via a hashmap, per spec §4.2's O(1)-average lookup.
func ScanXrefs(targets []uint64, base uint64, data []byte) [][]uint64 {
	results := make([][]uint64, len(targets))
	if len(data) < 4 {
		return results
	}

	index := make(map[uint64][]int, len(targets))
	for i, t := range targets {
		index[t] = append(index[t], i)
	}

	total := len(data) - 4 + 1
	workers := runtime.NumCPU()
	if workers < 1 || workers > total {
		workers = 1
	}
	chunk := (total + workers - 1) / workers

	type chunkResult struct {
		perTarget map[int][]uint64
	}
	perChunk := make([]chunkResult, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		start := w * chunk
		end := start + chunk
		if end > total {
			end = total
		}
		if start >= end {
			continue
		}
		g.Go(func() error {
			local := map[int][]uint64{}
			for j := start; j < end; j++ {
				disp := int32(binary.LittleEndian.Uint32(data[j : j+4]))
				target := base + uint64(j) + 4 + uint64(disp)
				for _, idx := range index[target] {
					local[idx] = append(local[idx], base+uint64(j))
				}
			}
			perChunk[w] = chunkResult{perTarget: local}
			return nil
		})
	}
	_ = g.Wait()

	for _, cr := range perChunk {
		for idx, addrs := range cr.perTarget {
			results[idx] = append(results[idx], addrs...)
		}
	}
	return results
}
