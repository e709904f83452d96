// Package forgeerr is the closed error-kind enum spec.md §7 describes for
// the Tool Surface: every operation in internal/attempt, internal/api, and
// internal/mcp returns one of these kinds, wrapped on the same Op/Kind/Err
// shape every component-level error package (auth, worktree, process) in
// this tree already uses.
package forgeerr

import "fmt"

type Kind string

const (
	Unauthenticated    Kind = "UNAUTHENTICATED"
	Forbidden          Kind = "FORBIDDEN"
	NotFound           Kind = "NOT_FOUND"
	Conflict           Kind = "CONFLICT"
	Validation         Kind = "VALIDATION"
	UpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	Internal           Kind = "INTERNAL"
	RateLimited        Kind = "RATE_LIMITED"
)

// Error is the single error type every Tool Surface operation returns.
// Detail carries caller-facing context (e.g. the winning attempt's id on a
// CONFLICT); it is never a Store error message verbatim (spec.md §7: Store
// errors are never leaked verbatim).
type Error struct {
	Op     string
	Kind   Kind
	Err    error
	Detail map[string]interface{}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// WithDetail attaches caller-facing structured context, e.g.
// {"attempt_id": winner.ID} on a CONFLICT.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// KindOf extracts the Kind carried by err (or anything it wraps),
// defaulting to Internal so every handler always has a status to map to —
// an unrecognized error is a Store/programmer error, never the caller's
// fault to diagnose (spec.md §7: "Store errors... map to INTERNAL with a
// stable message").
func KindOf(err error) Kind {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			return fe.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Internal
}
