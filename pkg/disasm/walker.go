package disasm

import (
	"github.com/xyproto/sleuth/pkg/funcindex"
	"github.com/xyproto/sleuth/pkg/image"
	"github.com/xyproto/sleuth/pkg/memory"
)

// Verdict is a visitor's instruction-by-instruction decision, letting it
// prune or terminate a walk without the walker needing to know why.
type Verdict int

const (
	// Continue keeps walking the current path and any branch targets.
	Continue Verdict = iota
	// Break stops following the current path but lets sibling branch
	// targets already queued continue.
	Break
	// Exit stops the entire walk immediately.
	Exit
)

// Visitor observes every instruction a Walk reaches.
type Visitor interface {
	Visit(Instruction) Verdict
}

// VisitorFunc adapts a plain function to the Visitor interface.
type VisitorFunc func(Instruction) Verdict

func (f VisitorFunc) Visit(in Instruction) Verdict { return f(in) }

// Walk performs a depth-first traversal of the instruction stream
// starting at start, staying within the bounds of start's root function
// when funcs is non-nil (an unindexed image walks unbounded). CALL
// targets are not queued for traversal -- only the fallthrough and
// direct JMP/Jcc edges are, matching a control-flow walk rather than a
// call-graph walk. Already-visited addresses are never revisited.
func Walk(mem *memory.Memory, funcs *funcindex.Index, start uint64, visitor Visitor) error {
	var bound *funcindex.Range
	if funcs != nil {
		if r, ok := funcs.RangeContaining(start); ok {
			bound = &r
		}
	}

	visited := map[uint64]bool{}
	queue := []uint64{start}

queueLoop:
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]

		for {
			if visited[addr] {
				continue queueLoop
			}
			if bound != nil && (addr < bound.Start || addr >= bound.End) {
				continue queueLoop
			}

			instr, err := Decode(mem, addr)
			if err != nil {
				continue queueLoop
			}
			visited[addr] = true

			verdict := visitor.Visit(instr)
			if verdict == Exit {
				return nil
			}
			if verdict == Break {
				continue queueLoop
			}

			switch instr.Kind {
			case KindRet:
				continue queueLoop
			case KindJmp:
				if instr.HasTarget {
					queue = append(queue, instr.Target)
				}
				continue queueLoop
			case KindCondJmp:
				if instr.HasTarget {
					queue = append(queue, instr.Target)
				}
				addr = instr.End()
			default:
				addr = instr.End()
			}
		}
	}
	return nil
}

// FunctionRange walks addr's root function and reports the lowest and
// highest addresses the walk actually reached. This can be a tighter
// span than funcindex's unwind-derived range when the walk can't follow
// every edge (an indirect jump through a table, say), but it never
// exceeds it, since Walk itself stays bounded by the same index.
func FunctionRange(img image.Image, addr uint64) (lo, hi uint64, err error) {
	lo, hi = addr, addr
	walkErr := Walk(img.Memory(), img.Functions(), addr, VisitorFunc(func(in Instruction) Verdict {
		if in.Addr < lo {
			lo = in.Addr
		}
		if end := in.End(); end > hi {
			hi = end
		}
		return Continue
	}))
	if walkErr != nil {
		return 0, 0, walkErr
	}
	return lo, hi, nil
}
