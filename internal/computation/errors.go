package computation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mind-engage/mindengage-results/internal/carryover"
)

// ErrCancelled is returned by Process when a cancellation request was
// observed at a batch boundary.
var ErrCancelled = errors.New("computation cancelled")

type Kind string

const (
	KindStudent    Kind = "student"
	KindDepartment Kind = "department"
	KindCarryover  Kind = "carryover"
)

// Reasons attached to department level errors.
const (
	ReasonNotFound           = "not_found"
	ReasonMissingPredecessor = "missing_predecessor"
	ReasonSuperseded         = "superseded"
	ReasonLoadFailed         = "load_failed"
	ReasonWriteFailed        = "write_failed"
	ReasonComputeFailed      = "compute_failed"
)

// Error is the error taxonomy of a computation run. Callers switch on Kind
// after errors.As. Err is not persisted; Message carries its text.
type Error struct {
	Kind         Kind   `json:"kind"`
	Reason       string `json:"reason"`
	DepartmentID string `json:"department_id,omitempty"`
	StudentID    string `json:"student_id,omitempty"`
	CourseID     string `json:"course_id,omitempty"`
	Message      string `json:"message"`
	Err          error  `json:"-"`
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStudent:
		return fmt.Sprintf("student %s: %s: %s", e.StudentID, e.Reason, e.Message)
	case KindCarryover:
		return fmt.Sprintf("carryover %s/%s: %s: %s", e.StudentID, e.CourseID, e.Reason, e.Message)
	default:
		return fmt.Sprintf("department %s: %s: %s", e.DepartmentID, e.Reason, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func StudentError(studentID, reason string, err error) *Error {
	return &Error{Kind: KindStudent, Reason: reason, StudentID: studentID, Message: message(err), Err: err}
}

func DepartmentError(departmentID, reason string, err error) *Error {
	return &Error{Kind: KindDepartment, Reason: reason, DepartmentID: departmentID, Message: message(err), Err: err}
}

// CarryoverError converts a tracker failure.
func CarryoverError(f *carryover.Failure) *Error {
	return &Error{Kind: KindCarryover, Reason: f.Op, StudentID: f.StudentID, CourseID: f.CourseID, Message: message(f.Err), Err: f}
}

// CancelToken is a cooperative cancellation flag checked between batches.
// It is separate from the context so that queued writes can still be
// flushed after a cancel request.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewCancelToken() *CancelToken { return &CancelToken{ch: make(chan struct{})} }

func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.ch) })
}

// Cancelled is safe on a nil token, which is never cancelled.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}
