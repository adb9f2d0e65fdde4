package academic

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)

type Store interface {
	ListDepartments(ctx context.Context) ([]Department, error)
	GetDepartment(ctx context.Context, id string) (Department, error)
	GetSemester(ctx context.Context, id string) (Semester, error)
	// PreviousSemester returns the semester immediately before seq, if any.
	PreviousSemester(ctx context.Context, seq int) (Semester, bool, error)

	CountStudents(ctx context.Context, departmentID string) (int, error)
	// ListStudents pages through non-deleted students ordered by id.
	ListStudents(ctx context.Context, departmentID, afterID string, limit int) ([]Student, error)
	GetStudent(ctx context.Context, id string) (Student, error)

	ListResults(ctx context.Context, semesterID string, studentIDs []string) (map[string][]Result, error)
	ListRequiredCourses(ctx context.Context, departmentID string, level, term int) ([]Course, error)

	ListPriorRecords(ctx context.Context, studentIDs []string, beforeSeq int) (map[string]SemesterRecord, error)
	GetSemesterRecord(ctx context.Context, studentID, semesterID string) (SemesterRecord, error)

	ListUnclearedCarryovers(ctx context.Context, studentIDs []string) (map[string][]CarryoverCourse, error)
	// InsertCarryover returns ErrDuplicate when the triple already exists.
	InsertCarryover(ctx context.Context, c CarryoverCourse) error
	// ClearCourseCarryovers clears every uncleared carryover of the course
	// for the student and reports how many rows changed.
	ClearCourseCarryovers(ctx context.Context, studentID, courseID, semesterID, by string, at time.Time) (int, error)
	ClearCarryover(ctx context.Context, id, by string, at time.Time) (CarryoverCourse, error)
	CountUnclearedCarryovers(ctx context.Context, studentID string) (int, error)

	// ApplyStudentUpdates applies every update independently. Failures of
	// individual updates are returned; the error is reserved for the
	// database being unreachable.
	ApplyStudentUpdates(ctx context.Context, updates []StudentUpdate) ([]UpdateFailure, error)
}
