package shared

import "errors"

// Error kinds surfaced by the timesheet and billing engines. Callers compare with
// errors.Is; packages wrap them with context via fmt.Errorf("...: %w", ErrX).
var (
	// ErrValidation indicates malformed input such as hours out of range.
	ErrValidation = errors.New("validation failed")
	// ErrAuthorization indicates the actor lacks the role or assignment to act.
	ErrAuthorization = errors.New("not authorized")
	// ErrPrecondition indicates a project-week is not ready for the requested action.
	ErrPrecondition = errors.New("precondition failed")
	// ErrInvalidState indicates a transition that is illegal from the current status.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrNoRateFound indicates no billing rate, not even the global default, applies.
	ErrNoRateFound = errors.New("no billing rate found")
	// ErrNotFound indicates resource not found or already soft-deleted.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a concurrent update lost an optimistic version check.
	ErrConflict = errors.New("concurrent update conflict")
)

// Kind names reported in bulk item results and problem responses.
const (
	KindValidation    = "validation"
	KindAuthorization = "authorization"
	KindPrecondition  = "precondition"
	KindInvalidState  = "invalid_state"
	KindNoRateFound   = "no_rate_found"
	KindNotFound      = "not_found"
	KindConflict      = "conflict"
	KindInternal      = "internal"
)

// KindOf classifies err into one of the Kind* names.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAuthorization):
		return KindAuthorization
	case errors.Is(err, ErrPrecondition):
		return KindPrecondition
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrNoRateFound):
		return KindNoRateFound
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}
