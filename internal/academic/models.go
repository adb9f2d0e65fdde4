package academic

import "time"

type Department struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FacultyID string `json:"faculty_id,omitempty"`
}

// Semester is ordered by Seq; the predecessor of a semester is the one with
// the greatest Seq below it.
type Semester struct {
	ID      string `json:"id"`
	Session string `json:"session"` // e.g. 2023/2024
	Term    int    `json:"term"`    // 1 = first semester, 2 = second
	Seq     int    `json:"seq"`
}

type Course struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	Title        string `json:"title"`
	Unit         int    `json:"unit"`
	Level        int    `json:"level"`
	DepartmentID string `json:"department_id"`
	Term         int    `json:"term"`
	Required     bool   `json:"required"`
}

type Student struct {
	ID                string   `json:"id"`
	MatricNumber      string   `json:"matric_number"`
	Name              string   `json:"name"`
	DepartmentID      string   `json:"department_id"`
	Level             int      `json:"level"`
	GPA               *float64 `json:"gpa"`
	CGPA              *float64 `json:"cgpa"`
	ProbationStatus   string   `json:"probation_status"`   // none|probation|withdrawal
	TerminationStatus string   `json:"termination_status"` // none|terminated
	Standing          string   `json:"standing"`
	TotalCarryovers   int      `json:"total_carryovers"`
}

// Result is owned by the grading subsystem; this module only reads it.
type Result struct {
	ID         string     `json:"id"`
	StudentID  string     `json:"student_id"`
	CourseID   string     `json:"course_id"`
	CourseCode string     `json:"course_code"`
	SemesterID string     `json:"semester_id"`
	Score      float64    `json:"score"`
	Grade      string     `json:"grade"`
	Points     int        `json:"points"`
	CourseUnit int        `json:"course_unit"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

type CarryoverReason string

const (
	ReasonFailed        CarryoverReason = "failed"
	ReasonNotRegistered CarryoverReason = "not_registered"
)

// CarryoverCourse is unique per (StudentID, CourseID, SemesterID).
type CarryoverCourse struct {
	ID                string          `json:"id"`
	StudentID         string          `json:"student_id"`
	CourseID          string          `json:"course_id"`
	CourseCode        string          `json:"course_code"`
	SemesterID        string          `json:"semester_id"`
	Reason            CarryoverReason `json:"reason"`
	Cleared           bool            `json:"cleared"`
	ClearedSemesterID string          `json:"cleared_semester_id,omitempty"`
	ClearedBy         string          `json:"cleared_by,omitempty"`
	ClearedAt         *time.Time      `json:"cleared_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SemesterRecord is the stored cumulative performance of one student after
// one semester. Later semesters fold forward from it.
type SemesterRecord struct {
	StudentID     string    `json:"student_id"`
	SemesterID    string    `json:"semester_id"`
	SemesterSeq   int       `json:"semester_seq"`
	TCP           int       `json:"tcp"`
	TNU           int       `json:"tnu"`
	GPA           *float64  `json:"gpa"`
	CumulativeTCP int       `json:"cumulative_tcp"`
	CumulativeTNU int       `json:"cumulative_tnu"`
	CGPA          *float64  `json:"cgpa"`
	Standing      string    `json:"standing"`
	DegreeClass   string    `json:"degree_class,omitempty"`
	Carryovers    int       `json:"carryovers"`
	ComputationID string    `json:"computation_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StudentUpdate is one logical per-student mutation. TotalCarryovers is the
// recomputed absolute count; CarryoverDelta is the change against the stored
// value and is kept for reporting only.
type StudentUpdate struct {
	StudentID         string
	GPA               *float64
	CGPA              *float64
	ProbationStatus   string
	TerminationStatus string
	Standing          string
	TotalCarryovers   int
	CarryoverDelta    int
	Record            SemesterRecord
}

type UpdateFailure struct {
	StudentID string
	Err       error
}
