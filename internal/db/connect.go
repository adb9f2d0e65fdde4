package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:results.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/results?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	tunePool(driver, db)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func tunePool(driver Driver, db *sql.DB) {
	switch driver {
	case DriverSQLite:
		// one writer; shared-cache connections would otherwise fight over locks
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		// some drivers reject multi-statement scripts
		for _, stmt := range strings.Split(schema, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, e := db.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("schema: %w", e)
			}
		}
	}
	return nil
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS departments (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  faculty_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS semesters (
  id TEXT PRIMARY KEY,
  session TEXT NOT NULL,
  term INTEGER NOT NULL,
  seq INTEGER NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS courses (
  id TEXT PRIMARY KEY,
  code TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  unit INTEGER NOT NULL,
  level INTEGER NOT NULL,
  department_id TEXT NOT NULL REFERENCES departments(id),
  term INTEGER NOT NULL,
  required INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS students (
  id TEXT PRIMARY KEY,
  matric_number TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  department_id TEXT NOT NULL REFERENCES departments(id),
  level INTEGER NOT NULL,
  gpa REAL,
  cgpa REAL,
  probation_status TEXT NOT NULL DEFAULT 'none',
  termination_status TEXT NOT NULL DEFAULT 'none',
  standing TEXT NOT NULL DEFAULT '',
  total_carryovers INTEGER NOT NULL DEFAULT 0,
  deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS students_department_idx ON students(department_id, id);

CREATE TABLE IF NOT EXISTS results (
  id TEXT PRIMARY KEY,
  student_id TEXT NOT NULL REFERENCES students(id),
  course_id TEXT NOT NULL REFERENCES courses(id),
  semester_id TEXT NOT NULL REFERENCES semesters(id),
  score REAL NOT NULL,
  grade TEXT NOT NULL DEFAULT '',
  points INTEGER NOT NULL DEFAULT 0,
  course_unit INTEGER NOT NULL,
  deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS results_semester_student_idx ON results(semester_id, student_id);

CREATE TABLE IF NOT EXISTS carryover_courses (
  id TEXT PRIMARY KEY,
  student_id TEXT NOT NULL REFERENCES students(id),
  course_id TEXT NOT NULL REFERENCES courses(id),
  semester_id TEXT NOT NULL REFERENCES semesters(id),
  reason TEXT NOT NULL,
  cleared INTEGER NOT NULL DEFAULT 0,
  cleared_semester_id TEXT NOT NULL DEFAULT '',
  cleared_by TEXT NOT NULL DEFAULT '',
  cleared_at INTEGER,
  created_at INTEGER NOT NULL,
  UNIQUE (student_id, course_id, semester_id)
);

CREATE TABLE IF NOT EXISTS student_semester_records (
  student_id TEXT NOT NULL REFERENCES students(id),
  semester_id TEXT NOT NULL REFERENCES semesters(id),
  semester_seq INTEGER NOT NULL,
  tcp INTEGER NOT NULL,
  tnu INTEGER NOT NULL,
  gpa REAL,
  cumulative_tcp INTEGER NOT NULL,
  cumulative_tnu INTEGER NOT NULL,
  cgpa REAL,
  standing TEXT NOT NULL,
  degree_class TEXT NOT NULL DEFAULT '',
  carryovers INTEGER NOT NULL DEFAULT 0,
  computation_id TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (student_id, semester_id)
);

CREATE TABLE IF NOT EXISTS computation_summaries (
  id TEXT PRIMARY KEY,
  department_id TEXT NOT NULL,
  semester_id TEXT NOT NULL,
  purpose TEXT NOT NULL,
  master_computation_id TEXT NOT NULL,
  computed_by TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  total_students INTEGER NOT NULL DEFAULT 0,
  processed_students INTEGER NOT NULL DEFAULT 0,
  failed_students INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  errors_json TEXT NOT NULL DEFAULT '[]',
  levels_json TEXT NOT NULL DEFAULT '{}',
  master_sheet_json TEXT NOT NULL DEFAULT '{}',
  master_sheet_uri TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL,
  completed_at INTEGER,
  UNIQUE (department_id, semester_id, purpose)
);

CREATE TABLE IF NOT EXISTS computation_jobs (
  id TEXT PRIMARY KEY,
  department_id TEXT NOT NULL,
  semester_id TEXT NOT NULL,
  purpose TEXT NOT NULL,
  master_computation_id TEXT NOT NULL,
  computed_by TEXT NOT NULL DEFAULT '',
  is_retry INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL,
  run_at INTEGER NOT NULL,
  locked_by TEXT NOT NULL DEFAULT '',
  locked_until INTEGER,
  last_error TEXT NOT NULL DEFAULT '',
  progress INTEGER NOT NULL DEFAULT 0,
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS computation_jobs_master_idx ON computation_jobs(master_computation_id);
CREATE INDEX IF NOT EXISTS computation_jobs_status_idx ON computation_jobs(status, run_at);
CREATE UNIQUE INDEX IF NOT EXISTS computation_jobs_running_idx ON computation_jobs(department_id, semester_id) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS notification_outbox (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  target TEXT NOT NULL,
  recipient TEXT NOT NULL,
  template TEXT NOT NULL,
  metadata TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS departments (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  faculty_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS semesters (
  id TEXT PRIMARY KEY,
  session TEXT NOT NULL,
  term INTEGER NOT NULL,
  seq INTEGER NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS courses (
  id TEXT PRIMARY KEY,
  code TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  unit INTEGER NOT NULL,
  level INTEGER NOT NULL,
  department_id TEXT NOT NULL REFERENCES departments(id),
  term INTEGER NOT NULL,
  required BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS students (
  id TEXT PRIMARY KEY,
  matric_number TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  department_id TEXT NOT NULL REFERENCES departments(id),
  level INTEGER NOT NULL,
  gpa DOUBLE PRECISION,
  cgpa DOUBLE PRECISION,
  probation_status TEXT NOT NULL DEFAULT 'none',
  termination_status TEXT NOT NULL DEFAULT 'none',
  standing TEXT NOT NULL DEFAULT '',
  total_carryovers INTEGER NOT NULL DEFAULT 0,
  deleted_at BIGINT
);
CREATE INDEX IF NOT EXISTS students_department_idx ON students(department_id, id);

CREATE TABLE IF NOT EXISTS results (
  id TEXT PRIMARY KEY,
  student_id TEXT NOT NULL REFERENCES students(id),
  course_id TEXT NOT NULL REFERENCES courses(id),
  semester_id TEXT NOT NULL REFERENCES semesters(id),
  score DOUBLE PRECISION NOT NULL,
  grade TEXT NOT NULL DEFAULT '',
  points INTEGER NOT NULL DEFAULT 0,
  course_unit INTEGER NOT NULL,
  deleted_at BIGINT
);
CREATE INDEX IF NOT EXISTS results_semester_student_idx ON results(semester_id, student_id);

CREATE TABLE IF NOT EXISTS carryover_courses (
  id TEXT PRIMARY KEY,
  student_id TEXT NOT NULL REFERENCES students(id),
  course_id TEXT NOT NULL REFERENCES courses(id),
  semester_id TEXT NOT NULL REFERENCES semesters(id),
  reason TEXT NOT NULL,
  cleared BOOLEAN NOT NULL DEFAULT FALSE,
  cleared_semester_id TEXT NOT NULL DEFAULT '',
  cleared_by TEXT NOT NULL DEFAULT '',
  cleared_at BIGINT,
  created_at BIGINT NOT NULL,
  UNIQUE (student_id, course_id, semester_id)
);

CREATE TABLE IF NOT EXISTS student_semester_records (
  student_id TEXT NOT NULL REFERENCES students(id),
  semester_id TEXT NOT NULL REFERENCES semesters(id),
  semester_seq INTEGER NOT NULL,
  tcp INTEGER NOT NULL,
  tnu INTEGER NOT NULL,
  gpa DOUBLE PRECISION,
  cumulative_tcp INTEGER NOT NULL,
  cumulative_tnu INTEGER NOT NULL,
  cgpa DOUBLE PRECISION,
  standing TEXT NOT NULL,
  degree_class TEXT NOT NULL DEFAULT '',
  carryovers INTEGER NOT NULL DEFAULT 0,
  computation_id TEXT NOT NULL DEFAULT '',
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (student_id, semester_id)
);

CREATE TABLE IF NOT EXISTS computation_summaries (
  id TEXT PRIMARY KEY,
  department_id TEXT NOT NULL,
  semester_id TEXT NOT NULL,
  purpose TEXT NOT NULL,
  master_computation_id TEXT NOT NULL,
  computed_by TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  total_students INTEGER NOT NULL DEFAULT 0,
  processed_students INTEGER NOT NULL DEFAULT 0,
  failed_students INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  errors_json TEXT NOT NULL DEFAULT '[]',
  levels_json TEXT NOT NULL DEFAULT '{}',
  master_sheet_json TEXT NOT NULL DEFAULT '{}',
  master_sheet_uri TEXT NOT NULL DEFAULT '',
  started_at BIGINT NOT NULL,
  completed_at BIGINT,
  UNIQUE (department_id, semester_id, purpose)
);

CREATE TABLE IF NOT EXISTS computation_jobs (
  id TEXT PRIMARY KEY,
  department_id TEXT NOT NULL,
  semester_id TEXT NOT NULL,
  purpose TEXT NOT NULL,
  master_computation_id TEXT NOT NULL,
  computed_by TEXT NOT NULL DEFAULT '',
  is_retry BOOLEAN NOT NULL DEFAULT FALSE,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL,
  run_at BIGINT NOT NULL,
  locked_by TEXT NOT NULL DEFAULT '',
  locked_until BIGINT,
  last_error TEXT NOT NULL DEFAULT '',
  progress INTEGER NOT NULL DEFAULT 0,
  cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS computation_jobs_master_idx ON computation_jobs(master_computation_id);
CREATE INDEX IF NOT EXISTS computation_jobs_status_idx ON computation_jobs(status, run_at);
CREATE UNIQUE INDEX IF NOT EXISTS computation_jobs_running_idx ON computation_jobs(department_id, semester_id) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS notification_outbox (
  seq BIGSERIAL PRIMARY KEY,
  target TEXT NOT NULL,
  recipient TEXT NOT NULL,
  template TEXT NOT NULL,
  metadata TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
`
