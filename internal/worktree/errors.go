package worktree

import "fmt"

// ErrKind closes over the Worktree Manager's failure modes, using the same
// Op/Kind/Err error shape as the auth and process packages.
type ErrKind string

const (
	ErrRepoNotFound    ErrKind = "REPO_NOT_FOUND"
	ErrBaseBranchUnknown ErrKind = "BASE_BRANCH_UNKNOWN"
	ErrWorktreeInUse   ErrKind = "WORKTREE_IN_USE"
	ErrIO              ErrKind = "IO_ERROR"
)

type Error struct {
	Op   string
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("worktree.%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(op string, kind ErrKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the ErrKind carried by err, if any.
func KindOf(err error) (ErrKind, bool) {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}
