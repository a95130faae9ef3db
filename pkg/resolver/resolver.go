// Package resolver runs a named DAG of symbol-locating resolvers over an
// image, batching their pattern scans into as few passes over the
// section data as the dependency graph allows.
package resolver

import (
	"github.com/xyproto/sleuth/pkg/funcindex"
	"github.com/xyproto/sleuth/pkg/image"
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/scanner"
	"github.com/xyproto/sleuth/pkg/sleutherr"
)

// ResolverFunc is the body of one named resolver: given a Context to
// scan and resolve dependencies through, it produces a typed value or an
// error drawn from pkg/sleutherr's taxonomy.
type ResolverFunc[T any] func(ctx *Context) (T, error)

// anyFactory erases a Factory[T]'s type parameter so the runtime can hold
// a registry of heterogeneous resolvers.
type anyFactory interface {
	resolverName() string
	invoke(ctx *Context) (any, error)
}

// Factory is a registered, typed resolver. Register returns it so callers
// can refer to the resolver through its Name field (for Run, Value or
// Context.Resolve) without repeating the string literal.
type Factory[T any] struct {
	Name string
	fn   ResolverFunc[T]
}

func (f *Factory[T]) resolverName() string { return f.Name }

func (f *Factory[T]) invoke(ctx *Context) (any, error) {
	return f.fn(ctx)
}

var registry = map[string]anyFactory{}

// Names reports every resolver name currently registered, for CLI
// listing or running "all resolvers against this image" by default.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Register adds fn to the global resolver registry under name and
// returns its typed Factory handle.
func Register[T any](name string, fn ResolverFunc[T]) *Factory[T] {
	f := &Factory[T]{Name: name, fn: fn}
	registry[name] = f
	return f
}

// ForPE wraps fn so it only runs against a PE-family image (PE proper or
// a minidump-extracted module), returning Unsupported otherwise.
func ForPE[T any](fn ResolverFunc[T]) ResolverFunc[T] {
	return func(ctx *Context) (T, error) {
		var zero T
		switch ctx.Image().Format() {
		case "pe", "minidump":
			return fn(ctx)
		default:
			return zero, sleutherr.Unsupported("resolver requires a PE image")
		}
	}
}

// ForELF wraps fn so it only runs against an ELF image.
func ForELF[T any](fn ResolverFunc[T]) ResolverFunc[T] {
	return func(ctx *Context) (T, error) {
		var zero T
		if ctx.Image().Format() != "elf" {
			return zero, sleutherr.Unsupported("resolver requires an ELF image")
		}
		return fn(ctx)
	}
}

// Collect dispatches to pe or elf depending on the image's format,
// composing two format-specific strategies into a single resolver body.
func Collect[T any](pe, elf ResolverFunc[T]) ResolverFunc[T] {
	return func(ctx *Context) (T, error) {
		var zero T
		switch ctx.Image().Format() {
		case "pe", "minidump":
			return pe(ctx)
		case "elf":
			return elf(ctx)
		default:
			return zero, sleutherr.Unsupported("unrecognized image format %q", ctx.Image().Format())
		}
	}
}

// Context is the handle a running resolver uses to scan the image and to
// depend on other resolvers' results.
type Context struct {
	rt    *Runtime
	stack []string
}

func (c *Context) Image() image.Image          { return c.rt.img }
func (c *Context) Memory() *memory.Memory      { return c.rt.img.Memory() }
func (c *Context) Functions() *funcindex.Index { return c.rt.img.Functions() }

// Scan submits p for the runtime's next batched pass and blocks until
// results for it are available.
func (c *Context) Scan(p *pattern.Pattern) ([]uint64, error) {
	res, err := c.rt.scanBatch([]*pattern.Pattern{p})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// ScanMany batches several patterns into one round-trip, useful for a
// resolver that tries several signature variants for the same target.
func (c *Context) ScanMany(ps []*pattern.Pattern) ([][]uint64, error) {
	return c.rt.scanBatch(ps)
}

// ScanXrefs finds every RIP-relative 32-bit displacement (as used by
// LEA/MOV/CALL) that resolves to any of targets, across every section.
// Raw 64-bit pointers to a target are not reported. It
// runs outside the pattern-scan batching barrier since it addresses
// computed targets rather than a fixed signature set.
func (c *Context) ScanXrefs(targets []uint64) [][]uint64 {
	var combined [][]uint64
	for _, sec := range c.rt.img.Memory().Sections {
		res := scanner.ScanXrefs(targets, sec.Addr, sec.Data)
		if combined == nil {
			combined = res
			continue
		}
		for i := range combined {
			combined[i] = append(combined[i], res[i]...)
		}
	}
	return combined
}

// Captures extracts p's capture groups at matchAddr, converting any
// MemoryAccessError into NotFound per the boundary policy: a resolver's
// applicability check failing against out-of-range bytes is an ordinary
// "not here", not a fatal fault.
func (c *Context) Captures(p *pattern.Pattern, matchAddr uint64) ([][]byte, error) {
	b, err := c.rt.img.Memory().Captures(p, matchAddr)
	if err != nil {
		if sleutherr.KindOf(err) == sleutherr.KindMemoryAccess {
			return nil, sleutherr.NotFound("capture at 0x%x out of range", matchAddr)
		}
		return nil, err
	}
	return b, nil
}

// Resolve blocks until the named resolver has produced a value or an
// error, starting it on demand if it has not already been requested. A
// resolver that (directly or transitively) depends on itself observes
// Cycle instead of deadlocking.
func (c *Context) Resolve(name string) (any, error) {
	for _, s := range c.stack {
		if s == name {
			return nil, sleutherr.Cycle(name)
		}
	}
	childStack := make([]string, len(c.stack)+1)
	copy(childStack, c.stack)
	childStack[len(c.stack)] = name

	fut := c.rt.ensureStarted(name, childStack)
	c.rt.enterBlockedOnResolve()
	<-fut.done
	c.rt.exitBlockedOnResolve()
	return fut.value, fut.err
}

// EnsureOne collapses a candidate slice into exactly one value, or an
// error describing why it couldn't: NotFound for zero, Ambiguous for
// more than one distinct value. Duplicates of the same value collapse.
func EnsureOne[T comparable](xs []T) (T, error) {
	var zero T
	var distinct []T
	seen := make(map[T]bool, len(xs))
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			distinct = append(distinct, x)
		}
	}
	switch len(distinct) {
	case 0:
		return zero, sleutherr.NotFound("no candidates")
	case 1:
		return distinct[0], nil
	default:
		return zero, sleutherr.Ambiguous(len(distinct))
	}
}

// TryEnsureOne is EnsureOne for callers that tried several strategies and
// collected a parallel error slice: if every strategy failed and none
// produced a candidate, the first real error is surfaced instead of a
// generic NotFound.
func TryEnsureOne[T comparable](xs []T, errs []error) (T, error) {
	if len(xs) == 0 {
		for _, e := range errs {
			if e != nil {
				return *new(T), e
			}
		}
		return *new(T), sleutherr.NotFound("no candidates")
	}
	return EnsureOne(xs)
}

// BailOut builds a NotFound error for a resolver that has determined, by
// its own logic, that its target cannot be located.
func BailOut(format string, args ...any) error {
	return sleutherr.NotFound(format, args...)
}

// Result is one named resolver's outcome from a Run.
type Result struct {
	Value any
	Err   error
}

// Value type-asserts a named Result's value, surfacing its error as-is
// or a Msg error if the dynamic type doesn't match T.
func Value[T any](results map[string]Result, name string) (T, error) {
	var zero T
	r, ok := results[name]
	if !ok {
		return zero, sleutherr.NotFound("no resolver named %q ran", name)
	}
	if r.Err != nil {
		return zero, r.Err
	}
	v, ok := r.Value.(T)
	if !ok {
		return zero, sleutherr.Msg("resolver %q produced unexpected type %T", name, r.Value)
	}
	return v, nil
}
