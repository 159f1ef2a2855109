package communities

import "fmt"

// DeletionStatusError reports an illegal deletion lifecycle transition. It
// carries the state the transition required and the state actually found.
type DeletionStatusError struct {
	Action   string
	Expected []DeletionState
	Actual   DeletionState
}

func (e *DeletionStatusError) Error() string {
	return fmt.Sprintf("cannot %s community in state %q (requires %v)", e.Action, e.Actual, e.Expected)
}

// IsDeletionStatusError reports whether err is a DeletionStatusError.
func IsDeletionStatusError(err error) bool {
	_, ok := err.(*DeletionStatusError)
	return ok
}

// NotFoundError reports a community that does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("community %s not found", e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
