// Package dbtest opens throwaway sqlite databases with the full schema and
// seeds academic fixtures.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-results/internal/db"
)

var seq atomic.Int64

// Open returns an in-memory sqlite database private to the test.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", name, seq.Add(1))
	dbh, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbh.Close() })
	return dbh
}

// Seeder inserts fixtures; every method fails the test on error.
type Seeder struct {
	t  testing.TB
	db *sql.DB
}

func NewSeeder(t testing.TB, dbh *sql.DB) *Seeder { return &Seeder{t: t, db: dbh} }

func (s *Seeder) exec(query string, args ...any) {
	s.t.Helper()
	_, err := s.db.Exec(query, args...)
	require.NoError(s.t, err)
}

func (s *Seeder) Department(id string) *Seeder {
	s.exec(`INSERT INTO departments (id,name) VALUES ($1,$2)`, id, "Department "+id)
	return s
}

func (s *Seeder) Semester(id string, term, seq int) *Seeder {
	s.exec(`INSERT INTO semesters (id,session,term,seq) VALUES ($1,$2,$3,$4)`, id, "2024/2025", term, seq)
	return s
}

func (s *Seeder) Course(id, code, deptID string, unit, level, term int, required bool) *Seeder {
	s.exec(`INSERT INTO courses (id,code,title,unit,level,department_id,term,required) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, code, code, unit, level, deptID, term, required)
	return s
}

func (s *Seeder) Student(id, matric, deptID string, level int) *Seeder {
	s.exec(`INSERT INTO students (id,matric_number,name,department_id,level) VALUES ($1,$2,$3,$4,$5)`,
		id, matric, "Student "+matric, deptID, level)
	return s
}

// Result records a score; the course unit is copied from the course.
func (s *Seeder) Result(id, studentID, courseID, semesterID string, score float64) *Seeder {
	s.exec(`INSERT INTO results (id,student_id,course_id,semester_id,score,course_unit)
SELECT $1,$2,$3,$4,$5,unit FROM courses WHERE id=$3`, id, studentID, courseID, semesterID, score)
	return s
}

func (s *Seeder) DeleteResult(id string) *Seeder {
	s.exec(`UPDATE results SET deleted_at=1 WHERE id=$1`, id)
	return s
}

// Record stores a prior semester outcome for a student.
func (s *Seeder) Record(studentID, semesterID string, seq, cumTCP, cumTNU int, standing string) *Seeder {
	s.exec(`INSERT INTO student_semester_records
(student_id,semester_id,semester_seq,tcp,tnu,cumulative_tcp,cumulative_tnu,standing,updated_at)
VALUES ($1,$2,$3,$4,$5,$4,$5,$6,0)`, studentID, semesterID, seq, cumTCP, cumTNU, standing)
	return s
}

// CommittedSummary marks a department's final computation of a semester as
// completed.
func (s *Seeder) CommittedSummary(deptID, semesterID string) *Seeder {
	s.exec(`INSERT INTO computation_summaries
(id,department_id,semester_id,purpose,master_computation_id,status,started_at)
VALUES ($1,$2,$3,'final','seed','completed',0)`, "seed-"+deptID+"-"+semesterID, deptID, semesterID)
	return s
}
