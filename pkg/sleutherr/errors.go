// Package sleutherr defines the error taxonomy shared across the scanning
// and resolution engine.
package sleutherr

import "fmt"

// Kind classifies the error without tying callers to a concrete type.
type Kind int

const (
	KindMsg Kind = iota
	KindMemoryAccess
	KindBadPattern
	KindNotFound
	KindAmbiguous
	KindDependency
	KindUnsupported
	KindCycle
)

func (k Kind) String() string {
	switch k {
	case KindMemoryAccess:
		return "memory access error"
	case KindBadPattern:
		return "bad pattern"
	case KindNotFound:
		return "not found"
	case KindAmbiguous:
		return "ambiguous"
	case KindDependency:
		return "dependency failed"
	case KindUnsupported:
		return "unsupported"
	case KindCycle:
		return "cycle detected"
	default:
		return "error"
	}
}

// Error is the single error type carried across the public boundary; the
// Kind field lets callers branch on taxonomy without type assertions.
type Error struct {
	Kind  Kind
	Addr  uint64
	Len   uint64
	Count int
	Name  string
	Token string
	Cause error
	Msg   string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMemoryAccess:
		return fmt.Sprintf("memory access error at 0x%x (len %d)", e.Addr, e.Len)
	case KindBadPattern:
		return fmt.Sprintf("bad pattern token %q", e.Token)
	case KindNotFound:
		if e.Msg != "" {
			return fmt.Sprintf("not found: %s", e.Msg)
		}
		return "not found"
	case KindAmbiguous:
		return fmt.Sprintf("ambiguous: %d distinct candidates", e.Count)
	case KindDependency:
		return fmt.Sprintf("dependency %q failed: %v", e.Name, e.Cause)
	case KindUnsupported:
		return fmt.Sprintf("unsupported: %s", e.Msg)
	case KindCycle:
		return fmt.Sprintf("cycle detected involving %q", e.Name)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, sleutherr.NotFoundKind) style checks by comparing
// Kind instead of full equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func MemoryAccess(addr, length uint64) error {
	return &Error{Kind: KindMemoryAccess, Addr: addr, Len: length}
}

func BadPattern(token string) error {
	return &Error{Kind: KindBadPattern, Token: token}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Ambiguous(count int) error {
	return &Error{Kind: KindAmbiguous, Count: count}
}

func Dependency(name string, cause error) error {
	return &Error{Kind: KindDependency, Name: name, Cause: cause}
}

func Msg(format string, args ...any) error {
	return &Error{Kind: KindMsg, Msg: fmt.Sprintf(format, args...)}
}

func Unsupported(format string, args ...any) error {
	return &Error{Kind: KindUnsupported, Msg: fmt.Sprintf(format, args...)}
}

func Cycle(name string) error {
	return &Error{Kind: KindCycle, Name: name}
}

// KindOf extracts the Kind from err, defaulting to KindMsg when err isn't
// one of ours.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindMsg
}

// Sentinels for errors.Is comparisons against a specific kind.
var (
	NotFoundKind  = &Error{Kind: KindNotFound}
	Unsupport     = &Error{Kind: KindUnsupported}
	AmbiguousKind = &Error{Kind: KindAmbiguous}
)
