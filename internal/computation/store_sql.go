package computation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-results/internal/academic"
)

// SummaryStore persists one summary per department, semester and purpose.
type SummaryStore interface {
	// Start resets the summary to processing and assigns s.ID.
	Start(ctx context.Context, s *Summary) error
	Save(ctx context.Context, s Summary) error
	Get(ctx context.Context, departmentID, semesterID string, purpose Purpose) (Summary, error)
	// HasCommitted reports whether a final run of the semester completed.
	HasCommitted(ctx context.Context, departmentID, semesterID string) (bool, error)
	// CommittedAfter returns the earliest semester after seq with a
	// committed final run for the department.
	CommittedAfter(ctx context.Context, departmentID string, seq int) (string, bool, error)
	// List returns summaries without their levels or master sheet, newest
	// first, plus the total number matching.
	List(ctx context.Context, f ListFilter) ([]Summary, int, error)
}

type ListFilter struct {
	MasterComputationID string
	DepartmentID        string
	Limit               int
	Offset              int
}

type SQLSummaryStore struct {
	db *sql.DB
}

func NewSQLSummaryStore(db *sql.DB) *SQLSummaryStore {
	return &SQLSummaryStore{db: db}
}

func (st *SQLSummaryStore) Start(ctx context.Context, s *Summary) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	s.Status = StatusProcessing
	err := st.db.QueryRowContext(ctx, `
INSERT INTO computation_summaries
  (id, department_id, semester_id, purpose, master_computation_id, computed_by, status,
   total_students, processed_students, failed_students, error_message, errors_json,
   levels_json, master_sheet_json, master_sheet_uri, started_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,0,0,0,'','[]','{}','{}','',$8,NULL)
ON CONFLICT (department_id, semester_id, purpose) DO UPDATE SET
  master_computation_id = excluded.master_computation_id,
  computed_by = excluded.computed_by,
  status = excluded.status,
  total_students = 0,
  processed_students = 0,
  failed_students = 0,
  error_message = '',
  errors_json = '[]',
  levels_json = '{}',
  master_sheet_json = '{}',
  master_sheet_uri = '',
  started_at = excluded.started_at,
  completed_at = NULL
RETURNING id`,
		uuid.NewString(), s.DepartmentID, s.SemesterID, string(s.Purpose), s.MasterComputationID,
		s.ComputedBy, string(s.Status), s.StartedAt.UnixMilli(),
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("start summary %s/%s: %w", s.DepartmentID, s.SemesterID, err)
	}
	return nil
}

func (st *SQLSummaryStore) Save(ctx context.Context, s Summary) error {
	errs := s.Errors
	if errs == nil {
		errs = []*Error{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return err
	}
	levels := s.Levels
	if levels == nil {
		levels = map[int]*LevelSummary{}
	}
	levelsJSON, err := json.Marshal(levels)
	if err != nil {
		return err
	}
	sheets := s.MasterSheetDataByLevel
	if sheets == nil {
		sheets = map[int]*MasterSheetLevel{}
	}
	sheetJSON, err := json.Marshal(sheets)
	if err != nil {
		return err
	}
	var completed any
	if s.CompletedAt != nil {
		completed = s.CompletedAt.UnixMilli()
	}
	res, err := st.db.ExecContext(ctx, `
UPDATE computation_summaries SET
  status=$1, total_students=$2, processed_students=$3, failed_students=$4,
  error_message=$5, errors_json=$6, levels_json=$7, master_sheet_json=$8,
  master_sheet_uri=$9, completed_at=$10
WHERE id=$11`,
		string(s.Status), s.TotalStudents, s.ProcessedStudents, s.FailedStudents,
		s.ErrorMessage, string(errsJSON), string(levelsJSON), string(sheetJSON),
		s.MasterSheetURI, completed, s.ID)
	if err != nil {
		return fmt.Errorf("save summary %s: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("summary %s: %w", s.ID, academic.ErrNotFound)
	}
	return nil
}

const summaryHeaderCols = `id, department_id, semester_id, purpose, master_computation_id, computed_by, status,
  total_students, processed_students, failed_students, error_message, errors_json,
  master_sheet_uri, started_at, completed_at`

func scanSummaryHeader(sc interface{ Scan(...any) error }, extra ...any) (Summary, error) {
	var (
		s         Summary
		purpose   string
		status    string
		errsJSON  string
		started   int64
		completed sql.NullInt64
	)
	dest := []any{&s.ID, &s.DepartmentID, &s.SemesterID, &purpose, &s.MasterComputationID, &s.ComputedBy,
		&status, &s.TotalStudents, &s.ProcessedStudents, &s.FailedStudents, &s.ErrorMessage, &errsJSON,
		&s.MasterSheetURI, &started, &completed}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return Summary{}, err
	}
	s.Purpose, s.Status = Purpose(purpose), Status(status)
	s.StartedAt = time.UnixMilli(started).UTC()
	if completed.Valid {
		t := time.UnixMilli(completed.Int64).UTC()
		s.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(errsJSON), &s.Errors); err != nil {
		return Summary{}, fmt.Errorf("decode summary errors: %w", err)
	}
	return s, nil
}

func (st *SQLSummaryStore) Get(ctx context.Context, departmentID, semesterID string, purpose Purpose) (Summary, error) {
	var levelsJSON, sheetJSON string
	row := st.db.QueryRowContext(ctx, `SELECT `+summaryHeaderCols+`, levels_json, master_sheet_json
FROM computation_summaries WHERE department_id=$1 AND semester_id=$2 AND purpose=$3`,
		departmentID, semesterID, string(purpose))
	s, err := scanSummaryHeader(row, &levelsJSON, &sheetJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, fmt.Errorf("summary %s/%s/%s: %w", departmentID, semesterID, purpose, academic.ErrNotFound)
	}
	if err != nil {
		return Summary{}, err
	}
	if err := json.Unmarshal([]byte(levelsJSON), &s.Levels); err != nil {
		return Summary{}, fmt.Errorf("decode summary levels: %w", err)
	}
	if err := json.Unmarshal([]byte(sheetJSON), &s.MasterSheetDataByLevel); err != nil {
		return Summary{}, fmt.Errorf("decode master sheet: %w", err)
	}
	return s, nil
}

func (st *SQLSummaryStore) HasCommitted(ctx context.Context, departmentID, semesterID string) (bool, error) {
	var n int
	err := st.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM computation_summaries
WHERE department_id=$1 AND semester_id=$2 AND purpose=$3 AND status IN ($4,$5)`,
		departmentID, semesterID, string(PurposeFinal),
		string(StatusCompleted), string(StatusCompletedWithErrors)).Scan(&n)
	return n > 0, err
}

func (st *SQLSummaryStore) CommittedAfter(ctx context.Context, departmentID string, seq int) (string, bool, error) {
	var semesterID string
	err := st.db.QueryRowContext(ctx, `
SELECT cs.semester_id FROM computation_summaries cs
JOIN semesters s ON s.id = cs.semester_id
WHERE cs.department_id=$1 AND cs.purpose=$2 AND cs.status IN ($3,$4) AND s.seq > $5
ORDER BY s.seq LIMIT 1`,
		departmentID, string(PurposeFinal), string(StatusCompleted), string(StatusCompletedWithErrors), seq).Scan(&semesterID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return semesterID, true, nil
}

func (st *SQLSummaryStore) List(ctx context.Context, f ListFilter) ([]Summary, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	where := `WHERE ($1 = '' OR master_computation_id = $1) AND ($2 = '' OR department_id = $2)`
	var total int
	if err := st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM computation_summaries `+where,
		f.MasterComputationID, f.DepartmentID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := st.db.QueryContext(ctx, `SELECT `+summaryHeaderCols+` FROM computation_summaries `+where+`
ORDER BY started_at DESC, id LIMIT $3 OFFSET $4`,
		f.MasterComputationID, f.DepartmentID, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		s, err := scanSummaryHeader(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}
