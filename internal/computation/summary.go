package computation

import (
	"math"
	"sort"
	"time"

	"github.com/mind-engage/mindengage-results/internal/academic"
	"github.com/mind-engage/mindengage-results/internal/grading"
	"github.com/mind-engage/mindengage-results/internal/standing"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusProcessing          Status = "processing"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Committed reports whether a final run with this status may be built upon
// by the next semester.
func (s Status) Committed() bool {
	return s == StatusCompleted || s == StatusCompletedWithErrors
}

type Purpose string

const (
	PurposeFinal   Purpose = "final"
	PurposePreview Purpose = "preview"
)

func (p Purpose) Valid() bool { return p == PurposeFinal || p == PurposePreview }

// StudentEntry is one line of a standing list.
type StudentEntry struct {
	StudentID    string   `json:"student_id"`
	MatricNumber string   `json:"matric_number"`
	Name         string   `json:"name"`
	GPA          *float64 `json:"gpa"`
	CGPA         *float64 `json:"cgpa"`
	Carryovers   int      `json:"carryovers"`
	DegreeClass  string   `json:"degree_class,omitempty"`
	Outstanding  []string `json:"outstanding,omitempty"`
}

type GPAStats struct {
	Count   int      `json:"count"`
	Average *float64 `json:"average"`
	Highest *float64 `json:"highest"`
	Lowest  *float64 `json:"lowest"`
}

type CarryoverStats struct {
	Total                  int            `json:"total"`
	StudentsWithCarryovers int            `json:"students_with_carryovers"`
	ByCourse               map[string]int `json:"by_course"`
}

// LevelSummary is the per-level section of a computation summary.
type LevelSummary struct {
	Level             int            `json:"level"`
	StudentCount      int            `json:"student_count"`
	Pass              []StudentEntry `json:"pass_list"`
	Probation         []StudentEntry `json:"probation_list"`
	Withdrawal        []StudentEntry `json:"withdrawal_list"`
	Termination       []StudentEntry `json:"termination_list"`
	GradeDistribution map[string]int `json:"grade_distribution"`
	GPA               GPAStats       `json:"gpa_stats"`
	Carryovers        CarryoverStats `json:"carryover_stats"`
	DegreeClasses     map[string]int `json:"degree_classes,omitempty"`
}

func (l *LevelSummary) list(c standing.Category) *[]StudentEntry {
	switch c {
	case standing.Probation:
		return &l.Probation
	case standing.Withdrawal:
		return &l.Withdrawal
	case standing.Termination:
		return &l.Termination
	}
	return &l.Pass
}

// Listed is the number of students across the four lists.
func (l *LevelSummary) Listed() int {
	return len(l.Pass) + len(l.Probation) + len(l.Withdrawal) + len(l.Termination)
}

type ResultCell struct {
	CourseCode string  `json:"course_code"`
	Unit       int     `json:"unit"`
	Score      float64 `json:"score"`
	Grade      string  `json:"grade"`
	Points     int     `json:"points"`
}

type MasterSheetRow struct {
	StudentID     string       `json:"student_id"`
	MatricNumber  string       `json:"matric_number"`
	Name          string       `json:"name"`
	Results       []ResultCell `json:"results"`
	TCP           int          `json:"tcp"`
	TNU           int          `json:"tnu"`
	GPA           *float64     `json:"gpa"`
	CumulativeTCP int          `json:"cumulative_tcp"`
	CumulativeTNU int          `json:"cumulative_tnu"`
	CGPA          *float64     `json:"cgpa"`
	Standing      string       `json:"standing"`
	Outstanding   []string     `json:"outstanding,omitempty"`
}

// MasterSheetLevel is the tabular projection used to render a level's
// master sheet.
type MasterSheetLevel struct {
	Level   int              `json:"level"`
	Courses []string         `json:"courses"`
	Rows    []MasterSheetRow `json:"rows"`
}

// Summary is the persisted outcome of one department job, unique per
// department, semester and purpose.
type Summary struct {
	ID                     string                    `json:"id"`
	DepartmentID           string                    `json:"department_id"`
	SemesterID             string                    `json:"semester_id"`
	Purpose                Purpose                   `json:"purpose"`
	MasterComputationID    string                    `json:"master_computation_id"`
	ComputedBy             string                    `json:"computed_by"`
	Status                 Status                    `json:"status"`
	TotalStudents          int                       `json:"total_students"`
	ProcessedStudents      int                       `json:"processed_students"`
	FailedStudents         int                       `json:"failed_students"`
	ErrorMessage           string                    `json:"error_message,omitempty"`
	Errors                 []*Error                  `json:"errors"`
	Levels                 map[int]*LevelSummary     `json:"levels"`
	MasterSheetDataByLevel map[int]*MasterSheetLevel `json:"master_sheet_data_by_level"`
	MasterSheetURI         string                    `json:"master_sheet_uri,omitempty"`
	StartedAt              time.Time                 `json:"started_at"`
	CompletedAt            *time.Time                `json:"completed_at,omitempty"`
}

// outcome is everything computed for one student before it is written.
type outcome struct {
	student     academic.Student
	results     []grading.GradedResult
	perf        grading.Performance
	category    standing.Category
	degreeClass string
	carryovers  int
	outstanding []string
	update      academic.StudentUpdate
}

// aggregator folds committed student outcomes into level summaries.
type aggregator struct {
	levels  map[int]*LevelSummary
	sheets  map[int]*MasterSheetLevel
	courses map[int]map[string]bool
	gpaSum  map[int]float64
}

func newAggregator() *aggregator {
	return &aggregator{
		levels:  map[int]*LevelSummary{},
		sheets:  map[int]*MasterSheetLevel{},
		courses: map[int]map[string]bool{},
		gpaSum:  map[int]float64{},
	}
}

func (a *aggregator) level(n int) *LevelSummary {
	l, ok := a.levels[n]
	if ok {
		return l
	}
	l = &LevelSummary{
		Level:             n,
		Pass:              []StudentEntry{},
		Probation:         []StudentEntry{},
		Withdrawal:        []StudentEntry{},
		Termination:       []StudentEntry{},
		GradeDistribution: map[string]int{},
		Carryovers:        CarryoverStats{ByCourse: map[string]int{}},
		DegreeClasses:     map[string]int{},
	}
	for _, letter := range grading.Letters {
		l.GradeDistribution[letter] = 0
	}
	a.levels[n] = l
	a.sheets[n] = &MasterSheetLevel{Level: n, Courses: []string{}, Rows: []MasterSheetRow{}}
	a.courses[n] = map[string]bool{}
	return l
}

func (a *aggregator) add(o outcome) {
	l := a.level(o.student.Level)
	l.StudentCount++

	entry := StudentEntry{
		StudentID:    o.student.ID,
		MatricNumber: o.student.MatricNumber,
		Name:         o.student.Name,
		GPA:          o.perf.GPA,
		CGPA:         o.perf.CGPA,
		Carryovers:   o.carryovers,
		Outstanding:  o.outstanding,
	}
	if o.category == standing.Pass {
		entry.DegreeClass = o.degreeClass
		if o.degreeClass != "" {
			l.DegreeClasses[o.degreeClass]++
		}
	}
	lst := l.list(o.category)
	*lst = append(*lst, entry)

	row := MasterSheetRow{
		StudentID:     o.student.ID,
		MatricNumber:  o.student.MatricNumber,
		Name:          o.student.Name,
		Results:       make([]ResultCell, 0, len(o.results)),
		TCP:           o.perf.TCP,
		TNU:           o.perf.TNU,
		GPA:           o.perf.GPA,
		CumulativeTCP: o.perf.CumulativeTCP,
		CumulativeTNU: o.perf.CumulativeTNU,
		CGPA:          o.perf.CGPA,
		Standing:      string(o.category),
		Outstanding:   o.outstanding,
	}
	for _, r := range o.results {
		l.GradeDistribution[r.Grade.Letter]++
		row.Results = append(row.Results, ResultCell{
			CourseCode: r.CourseCode, Unit: r.CourseUnit, Score: r.Score,
			Grade: r.Grade.Letter, Points: r.Grade.Points,
		})
		a.courses[o.student.Level][r.CourseCode] = true
	}
	sort.Slice(row.Results, func(i, j int) bool { return row.Results[i].CourseCode < row.Results[j].CourseCode })
	a.sheets[o.student.Level].Rows = append(a.sheets[o.student.Level].Rows, row)

	if o.perf.GPA != nil {
		g := *o.perf.GPA
		l.GPA.Count++
		a.gpaSum[o.student.Level] += g
		if l.GPA.Highest == nil || g > *l.GPA.Highest {
			l.GPA.Highest = floatPtr(g)
		}
		if l.GPA.Lowest == nil || g < *l.GPA.Lowest {
			l.GPA.Lowest = floatPtr(g)
		}
	}
	if o.carryovers > 0 {
		l.Carryovers.StudentsWithCarryovers++
		l.Carryovers.Total += o.carryovers
	}
	for _, code := range o.outstanding {
		l.Carryovers.ByCourse[code]++
	}
}

// finish sorts every list by matric number and computes averages.
func (a *aggregator) finish() (map[int]*LevelSummary, map[int]*MasterSheetLevel) {
	for n, l := range a.levels {
		for _, c := range standing.Categories {
			lst := *l.list(c)
			sort.Slice(lst, func(i, j int) bool { return lst[i].MatricNumber < lst[j].MatricNumber })
		}
		if l.GPA.Count > 0 {
			l.GPA.Average = floatPtr(math.Round(a.gpaSum[n]/float64(l.GPA.Count)*100) / 100)
		}
		sheet := a.sheets[n]
		for code := range a.courses[n] {
			sheet.Courses = append(sheet.Courses, code)
		}
		sort.Strings(sheet.Courses)
		sort.Slice(sheet.Rows, func(i, j int) bool { return sheet.Rows[i].MatricNumber < sheet.Rows[j].MatricNumber })
	}
	return a.levels, a.sheets
}

func floatPtr(v float64) *float64 { return &v }
