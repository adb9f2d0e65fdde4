package academic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,name,faculty_id FROM departments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Department
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Name, &d.FacultyID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetDepartment(ctx context.Context, id string) (Department, error) {
	var d Department
	err := s.db.QueryRowContext(ctx, `SELECT id,name,faculty_id FROM departments WHERE id=$1`, id).
		Scan(&d.ID, &d.Name, &d.FacultyID)
	if errors.Is(err, sql.ErrNoRows) {
		return Department{}, fmt.Errorf("department %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (s *SQLStore) GetSemester(ctx context.Context, id string) (Semester, error) {
	var sem Semester
	err := s.db.QueryRowContext(ctx, `SELECT id,session,term,seq FROM semesters WHERE id=$1`, id).
		Scan(&sem.ID, &sem.Session, &sem.Term, &sem.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Semester{}, fmt.Errorf("semester %s: %w", id, ErrNotFound)
	}
	return sem, err
}

func (s *SQLStore) PreviousSemester(ctx context.Context, seq int) (Semester, bool, error) {
	var sem Semester
	err := s.db.QueryRowContext(ctx,
		`SELECT id,session,term,seq FROM semesters WHERE seq < $1 ORDER BY seq DESC LIMIT 1`, seq).
		Scan(&sem.ID, &sem.Session, &sem.Term, &sem.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Semester{}, false, nil
	}
	if err != nil {
		return Semester{}, false, err
	}
	return sem, true, nil
}

func (s *SQLStore) CountStudents(ctx context.Context, departmentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM students WHERE department_id=$1 AND deleted_at IS NULL`, departmentID).Scan(&n)
	return n, err
}

const studentColumns = `id,matric_number,name,department_id,level,gpa,cgpa,probation_status,termination_status,standing,total_carryovers`

func scanStudent(sc interface{ Scan(...any) error }) (Student, error) {
	var st Student
	var gpa, cgpa sql.NullFloat64
	if err := sc.Scan(&st.ID, &st.MatricNumber, &st.Name, &st.DepartmentID, &st.Level, &gpa, &cgpa,
		&st.ProbationStatus, &st.TerminationStatus, &st.Standing, &st.TotalCarryovers); err != nil {
		return Student{}, err
	}
	st.GPA = nullFloat(gpa)
	st.CGPA = nullFloat(cgpa)
	return st, nil
}

func (s *SQLStore) ListStudents(ctx context.Context, departmentID, afterID string, limit int) ([]Student, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+studentColumns+` FROM students
		  WHERE department_id=$1 AND deleted_at IS NULL AND id > $2
		  ORDER BY id LIMIT $3`, departmentID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Student, 0, limit)
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetStudent(ctx context.Context, id string) (Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE id=$1 AND deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, fmt.Errorf("student %s: %w", id, ErrNotFound)
	}
	return st, err
}

func (s *SQLStore) ListResults(ctx context.Context, semesterID string, studentIDs []string) (map[string][]Result, error) {
	out := make(map[string][]Result, len(studentIDs))
	if len(studentIDs) == 0 {
		return out, nil
	}
	args := []any{semesterID}
	args = appendStrings(args, studentIDs)
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.student_id, r.course_id, c.code, r.semester_id, r.score, r.grade, r.points, r.course_unit
		   FROM results r JOIN courses c ON c.id = r.course_id
		  WHERE r.semester_id=$1 AND r.deleted_at IS NULL AND r.student_id IN (`+placeholders(2, len(studentIDs))+`)
		  ORDER BY r.student_id, c.code`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.StudentID, &r.CourseID, &r.CourseCode, &r.SemesterID,
			&r.Score, &r.Grade, &r.Points, &r.CourseUnit); err != nil {
			return nil, err
		}
		out[r.StudentID] = append(out[r.StudentID], r)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListRequiredCourses(ctx context.Context, departmentID string, level, term int) ([]Course, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,code,title,unit,level,department_id,term,required FROM courses
		  WHERE department_id=$1 AND level=$2 AND term=$3 AND required=$4
		  ORDER BY code`, departmentID, level, term, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Code, &c.Title, &c.Unit, &c.Level, &c.DepartmentID, &c.Term, &c.Required); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const recordColumns = `student_id,semester_id,semester_seq,tcp,tnu,gpa,cumulative_tcp,cumulative_tnu,cgpa,standing,degree_class,carryovers,computation_id,updated_at`

func scanRecord(sc interface{ Scan(...any) error }) (SemesterRecord, error) {
	var r SemesterRecord
	var gpa, cgpa sql.NullFloat64
	var updated int64
	if err := sc.Scan(&r.StudentID, &r.SemesterID, &r.SemesterSeq, &r.TCP, &r.TNU, &gpa,
		&r.CumulativeTCP, &r.CumulativeTNU, &cgpa, &r.Standing, &r.DegreeClass, &r.Carryovers,
		&r.ComputationID, &updated); err != nil {
		return SemesterRecord{}, err
	}
	r.GPA = nullFloat(gpa)
	r.CGPA = nullFloat(cgpa)
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return r, nil
}

func (s *SQLStore) ListPriorRecords(ctx context.Context, studentIDs []string, beforeSeq int) (map[string]SemesterRecord, error) {
	out := make(map[string]SemesterRecord, len(studentIDs))
	if len(studentIDs) == 0 {
		return out, nil
	}
	args := []any{beforeSeq}
	args = appendStrings(args, studentIDs)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM student_semester_records r
		  WHERE r.semester_seq < $1 AND r.student_id IN (`+placeholders(2, len(studentIDs))+`)
		    AND r.semester_seq = (SELECT MAX(p.semester_seq) FROM student_semester_records p
		                           WHERE p.student_id = r.student_id AND p.semester_seq < $1)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.StudentID] = rec
	}
	return out, rows.Err()
}

func (s *SQLStore) GetSemesterRecord(ctx context.Context, studentID, semesterID string) (SemesterRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM student_semester_records WHERE student_id=$1 AND semester_id=$2`,
		studentID, semesterID))
	if errors.Is(err, sql.ErrNoRows) {
		return SemesterRecord{}, fmt.Errorf("record %s/%s: %w", studentID, semesterID, ErrNotFound)
	}
	return rec, err
}

const carryoverColumns = `co.id,co.student_id,co.course_id,c.code,co.semester_id,co.reason,co.cleared,co.cleared_semester_id,co.cleared_by,co.cleared_at,co.created_at`

func scanCarryover(sc interface{ Scan(...any) error }) (CarryoverCourse, error) {
	var c CarryoverCourse
	var clearedAt sql.NullInt64
	var created int64
	if err := sc.Scan(&c.ID, &c.StudentID, &c.CourseID, &c.CourseCode, &c.SemesterID, &c.Reason, &c.Cleared,
		&c.ClearedSemesterID, &c.ClearedBy, &clearedAt, &created); err != nil {
		return CarryoverCourse{}, err
	}
	if clearedAt.Valid {
		t := time.UnixMilli(clearedAt.Int64).UTC()
		c.ClearedAt = &t
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	return c, nil
}

func (s *SQLStore) ListUnclearedCarryovers(ctx context.Context, studentIDs []string) (map[string][]CarryoverCourse, error) {
	out := make(map[string][]CarryoverCourse, len(studentIDs))
	if len(studentIDs) == 0 {
		return out, nil
	}
	args := []any{false}
	args = appendStrings(args, studentIDs)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+carryoverColumns+` FROM carryover_courses co JOIN courses c ON c.id = co.course_id
		  WHERE co.cleared=$1 AND co.student_id IN (`+placeholders(2, len(studentIDs))+`)
		  ORDER BY co.student_id, c.code`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanCarryover(rows)
		if err != nil {
			return nil, err
		}
		out[c.StudentID] = append(out[c.StudentID], c)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertCarryover(ctx context.Context, c CarryoverCourse) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO carryover_courses (id,student_id,course_id,semester_id,reason,cleared,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (student_id,course_id,semester_id) DO NOTHING`,
		c.ID, c.StudentID, c.CourseID, c.SemesterID, string(c.Reason), false, c.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLStore) ClearCourseCarryovers(ctx context.Context, studentID, courseID, semesterID, by string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carryover_courses
		    SET cleared=$1, cleared_semester_id=$2, cleared_by=$3, cleared_at=$4
		  WHERE student_id=$5 AND course_id=$6 AND cleared=$7`,
		true, semesterID, by, at.UnixMilli(), studentID, courseID, false)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) ClearCarryover(ctx context.Context, id, by string, at time.Time) (CarryoverCourse, error) {
	// cleared rows keep their original clearance
	if _, err := s.db.ExecContext(ctx,
		`UPDATE carryover_courses SET cleared=$1, cleared_by=$2, cleared_at=$3 WHERE id=$4 AND cleared=$5`,
		true, by, at.UnixMilli(), id, false); err != nil {
		return CarryoverCourse{}, err
	}
	c, err := scanCarryover(s.db.QueryRowContext(ctx,
		`SELECT `+carryoverColumns+` FROM carryover_courses co JOIN courses c ON c.id = co.course_id WHERE co.id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CarryoverCourse{}, fmt.Errorf("carryover %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return CarryoverCourse{}, err
	}
	n, err := s.CountUnclearedCarryovers(ctx, c.StudentID)
	if err != nil {
		return CarryoverCourse{}, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE students SET total_carryovers=$1 WHERE id=$2`, n, c.StudentID); err != nil {
		return CarryoverCourse{}, err
	}
	return c, nil
}

func (s *SQLStore) CountUnclearedCarryovers(ctx context.Context, studentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM carryover_courses WHERE student_id=$1 AND cleared=$2`, studentID, false).Scan(&n)
	return n, err
}

func (s *SQLStore) ApplyStudentUpdates(ctx context.Context, updates []StudentUpdate) ([]UpdateFailure, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	// fast path: whole batch in one transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			if err := applyStudentUpdate(ctx, tx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// slow path isolates the failing students
	var failures []UpdateFailure
	for _, u := range updates {
		u := u
		if err := s.withTx(ctx, func(tx *sql.Tx) error { return applyStudentUpdate(ctx, tx, u) }); err != nil {
			failures = append(failures, UpdateFailure{StudentID: u.StudentID, Err: err})
		}
	}
	if len(failures) == len(updates) {
		if perr := s.db.PingContext(ctx); perr != nil {
			return nil, fmt.Errorf("bulk write: %w", perr)
		}
	}
	return failures, nil
}

func applyStudentUpdate(ctx context.Context, tx *sql.Tx, u StudentUpdate) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE students
		    SET gpa=$1, cgpa=$2, probation_status=$3, termination_status=$4, standing=$5, total_carryovers=$6
		  WHERE id=$7 AND deleted_at IS NULL`,
		u.GPA, u.CGPA, u.ProbationStatus, u.TerminationStatus, u.Standing, u.TotalCarryovers, u.StudentID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("student %s: %w", u.StudentID, ErrNotFound)
	}
	r := u.Record
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO student_semester_records (`+recordColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT (student_id,semester_id) DO UPDATE SET
		   semester_seq=EXCLUDED.semester_seq, tcp=EXCLUDED.tcp, tnu=EXCLUDED.tnu, gpa=EXCLUDED.gpa,
		   cumulative_tcp=EXCLUDED.cumulative_tcp, cumulative_tnu=EXCLUDED.cumulative_tnu, cgpa=EXCLUDED.cgpa,
		   standing=EXCLUDED.standing, degree_class=EXCLUDED.degree_class, carryovers=EXCLUDED.carryovers,
		   computation_id=EXCLUDED.computation_id, updated_at=EXCLUDED.updated_at`,
		u.StudentID, r.SemesterID, r.SemesterSeq, r.TCP, r.TNU, r.GPA, r.CumulativeTCP, r.CumulativeTNU,
		r.CGPA, r.Standing, r.DegreeClass, r.Carryovers, r.ComputationID, r.UpdatedAt.UnixMilli())
	return err
}

func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	return fn(tx)
}

func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}

func appendStrings(args []any, vals []string) []any {
	for _, v := range vals {
		args = append(args, v)
	}
	return args
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
