package dispatch

import (
	"time"

	"github.com/mind-engage/mindengage-results/internal/computation"
)

// Job is one department's computation within a master computation.
type Job struct {
	ID                  string              `json:"id"`
	DepartmentID        string              `json:"department_id"`
	SemesterID          string              `json:"semester_id"`
	Purpose             computation.Purpose `json:"purpose"`
	MasterComputationID string              `json:"master_computation_id"`
	ComputedBy          string              `json:"computed_by"`
	IsRetry             bool                `json:"is_retry"`
	Status              computation.Status  `json:"status"`
	Attempts            int                 `json:"attempts"`
	MaxAttempts         int                 `json:"max_attempts"`
	RunAt               time.Time           `json:"run_at"`
	LockedBy            string              `json:"locked_by,omitempty"`
	LockedUntil         *time.Time          `json:"locked_until,omitempty"`
	LastError           string              `json:"last_error,omitempty"`
	Progress            int                 `json:"progress"`
	CancelRequested     bool                `json:"cancel_requested"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

func (j Job) key() string { return j.DepartmentID + "|" + j.SemesterID }

// Request builds the processor payload for this job.
func (j Job) Request(cancel *computation.CancelToken) computation.Request {
	return computation.Request{
		JobID:               j.ID,
		DepartmentID:        j.DepartmentID,
		SemesterID:          j.SemesterID,
		Purpose:             j.Purpose,
		MasterComputationID: j.MasterComputationID,
		ComputedBy:          j.ComputedBy,
		IsRetry:             j.IsRetry,
		Cancel:              cancel,
	}
}

// Master aggregates the jobs of one master computation.
type Master struct {
	ID         string                     `json:"master_computation_id"`
	SemesterID string                     `json:"semester_id"`
	Purpose    computation.Purpose        `json:"purpose"`
	ComputedBy string                     `json:"computed_by"`
	Status     computation.Status         `json:"status"`
	Jobs       int                        `json:"jobs"`
	Counts     map[computation.Status]int `json:"counts"`
	Progress   int                        `json:"progress"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// rollup derives the overall status of a master computation from its jobs.
func rollup(m *Master) {
	done := 0
	for s, n := range m.Counts {
		if s.Terminal() {
			done += n
		}
	}
	switch {
	case m.Jobs == 0:
		m.Status = computation.StatusPending
	case done < m.Jobs:
		if m.Counts[computation.StatusPending] == m.Jobs {
			m.Status = computation.StatusPending
		} else {
			m.Status = computation.StatusProcessing
		}
	case m.Counts[computation.StatusCompleted] == m.Jobs:
		m.Status = computation.StatusCompleted
	case m.Counts[computation.StatusCancelled] == m.Jobs:
		m.Status = computation.StatusCancelled
	case m.Counts[computation.StatusFailed] == m.Jobs:
		m.Status = computation.StatusFailed
	default:
		m.Status = computation.StatusCompletedWithErrors
	}
}
