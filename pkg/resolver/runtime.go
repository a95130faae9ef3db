package resolver

import (
	"sync"

	"github.com/xyproto/sleuth/pkg/image"
	"github.com/xyproto/sleuth/pkg/pattern"
	"github.com/xyproto/sleuth/pkg/scanner"
	"github.com/xyproto/sleuth/pkg/sleutherr"
)

// future is a resolver's in-flight or completed result, started at most
// once regardless of how many dependents call Resolve concurrently.
type future struct {
	done  chan struct{}
	value any
	err   error
}

// scanReq is one Context.Scan call parked on the batching barrier.
type scanReq struct {
	patterns []*pattern.Pattern
	result   [][]uint64
	err      error
	fired    bool
}

// Runtime orchestrates every resolver goroutine started against a single
// image, batching their pattern scans: it only performs a scan once
// every still-running resolver is blocked waiting on one (the "counting
// barrier" described in the resolver runtime's design).
type Runtime struct {
	img image.Image

	mu       sync.Mutex
	cond     *sync.Cond
	futures  map[string]*future
	started  int
	finished int
	parked   int
	blocked  int
	pending  []*scanReq
	failed   bool
}

// NewRuntime builds a Runtime bound to img; img's sections are what
// every Scan call is matched against.
func NewRuntime(img image.Image) *Runtime {
	rt := &Runtime{img: img, futures: map[string]*future{}}
	rt.cond = sync.NewCond(&rt.mu)
	return rt
}

// Run starts (or reuses) the named resolvers, waits for all of them, and
// returns every result keyed by name. Resolvers transitively depended on
// via Context.Resolve but not named here still appear if any requested
// resolver reached them.
func Run(img image.Image, names ...string) map[string]Result {
	rt := NewRuntime(img)

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]Result, len(names))

	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			fut := rt.ensureStarted(name, []string{name})
			<-fut.done
			mu.Lock()
			results[name] = Result{Value: fut.value, Err: fut.err}
			mu.Unlock()
		}()
	}
	wg.Wait()

	rt.mu.Lock()
	for name, fut := range rt.futures {
		if _, ok := results[name]; ok {
			continue
		}
		select {
		case <-fut.done:
			results[name] = Result{Value: fut.value, Err: fut.err}
		default:
			results[name] = Result{Err: sleutherr.NotFound("resolver %q never completed", name)}
		}
	}
	rt.mu.Unlock()

	return results
}

// ensureStarted starts name's resolver goroutine the first time it is
// requested and returns its future; later callers, including concurrent
// ones, observe the same future.
func (rt *Runtime) ensureStarted(name string, stack []string) *future {
	rt.mu.Lock()
	if fut, ok := rt.futures[name]; ok {
		rt.mu.Unlock()
		return fut
	}
	fut := &future{done: make(chan struct{})}
	rt.futures[name] = fut
	rt.started++
	rt.mu.Unlock()

	go func() {
		fac, ok := registry[name]
		if !ok {
			rt.finish(fut, nil, sleutherr.NotFound("no resolver registered under %q", name))
			return
		}
		ctx := &Context{rt: rt, stack: stack}
		v, err := fac.invoke(ctx)
		rt.finish(fut, v, err)
	}()
	return fut
}

func (rt *Runtime) finish(fut *future, v any, err error) {
	fut.value, fut.err = v, err
	close(fut.done)

	rt.mu.Lock()
	rt.finished++
	if err != nil && sleutherr.KindOf(err) != sleutherr.KindNotFound {
		rt.failed = true
	}
	rt.maybeFireBatch()
	rt.mu.Unlock()
}

// enterBlockedOnResolve records that the calling goroutine is about to
// block on another resolver's future rather than on a scan. Such a
// goroutine is live but can never park on a scan itself, so it must not
// count toward the parked total a batch waits for; without this, a
// resolver chain like GMalloc -> GMallocPatterns (which scans) would
// never see parked == live and the batch would never fire.
func (rt *Runtime) enterBlockedOnResolve() {
	rt.mu.Lock()
	rt.blocked++
	rt.maybeFireBatch()
	rt.mu.Unlock()
}

func (rt *Runtime) exitBlockedOnResolve() {
	rt.mu.Lock()
	rt.blocked--
	rt.mu.Unlock()
}

// scanBatch parks the calling goroutine's request until the runtime
// decides every other live resolver is also waiting on a scan, then
// returns this request's slice of the shared batch result.
func (rt *Runtime) scanBatch(patterns []*pattern.Pattern) ([][]uint64, error) {
	rt.mu.Lock()
	if rt.failed {
		rt.mu.Unlock()
		return nil, sleutherr.NotFound("runtime cancelled after an earlier resolver failure")
	}

	req := &scanReq{patterns: patterns}
	rt.pending = append(rt.pending, req)
	rt.parked++
	rt.maybeFireBatch()

	for !req.fired {
		rt.cond.Wait()
	}
	rt.mu.Unlock()
	return req.result, req.err
}

// maybeFireBatch runs with rt.mu held. It fires a batch either once
// every still-running resolver that isn't itself blocked waiting on a
// dependency is parked on a scan, or immediately (with a cancellation
// error) once the runtime has failed.
func (rt *Runtime) maybeFireBatch() {
	live := rt.started - rt.finished
	if live <= 0 || len(rt.pending) == 0 {
		return
	}
	if rt.failed {
		for _, req := range rt.pending {
			req.err = sleutherr.NotFound("runtime cancelled after an earlier resolver failure")
			req.fired = true
		}
		rt.pending = nil
		rt.parked = 0
		rt.cond.Broadcast()
		return
	}
	if rt.parked != live-rt.blocked {
		return
	}

	reqs := rt.pending
	rt.pending = nil
	rt.parked = 0

	var all []*pattern.Pattern
	bounds := make([]int, 0, len(reqs)+1)
	bounds = append(bounds, 0)
	for _, req := range reqs {
		all = append(all, req.patterns...)
		bounds = append(bounds, len(all))
	}

	combined := make([][]uint64, len(all))
	for _, sec := range rt.img.Memory().Sections {
		secResults := scanner.ScanPatterns(all, sec.Addr, sec.Data)
		for i := range combined {
			combined[i] = append(combined[i], secResults[i]...)
		}
	}
	for i, req := range reqs {
		req.result = combined[bounds[i]:bounds[i+1]]
		req.fired = true
	}
	rt.cond.Broadcast()
}
