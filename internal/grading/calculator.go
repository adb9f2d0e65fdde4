package grading

import (
	"math"

	"github.com/mind-engage/mindengage-results/internal/academic"
)

// Cumulative is the running total carried from one semester to the next.
type Cumulative struct {
	TCP int
	TNU int
}

// Performance is the outcome of one student's semester.
type Performance struct {
	TCP           int      `json:"tcp"`
	TNU           int      `json:"tnu"`
	GPA           *float64 `json:"gpa"`
	CumulativeTCP int      `json:"cumulative_tcp"`
	CumulativeTNU int      `json:"cumulative_tnu"`
	CGPA          *float64 `json:"cgpa"`
}

// GradedResult is a result with its grade derived from the score.
type GradedResult struct {
	academic.Result
	Grade Grade `json:"grade"`
}

// GradeResults derives grades for every non-deleted result. Stored
// grade/points columns are ignored.
func GradeResults(results []academic.Result) []GradedResult {
	out := make([]GradedResult, 0, len(results))
	for _, r := range results {
		if r.DeletedAt != nil {
			continue
		}
		g := GradeFor(r.Score)
		r.Grade, r.Points = g.Letter, g.Points
		out = append(out, GradedResult{Result: r, Grade: g})
	}
	return out
}

// Compute aggregates a semester's results on top of the previous cumulative
// totals. GPA and CGPA are nil when there are no units to divide by.
func Compute(results []GradedResult, prev Cumulative) Performance {
	var p Performance
	for _, r := range results {
		if r.DeletedAt != nil {
			continue
		}
		p.TCP += r.Grade.Points * r.CourseUnit
		p.TNU += r.CourseUnit
	}
	p.GPA = ratio(p.TCP, p.TNU)
	p.CumulativeTCP = prev.TCP + p.TCP
	p.CumulativeTNU = prev.TNU + p.TNU
	p.CGPA = ratio(p.CumulativeTCP, p.CumulativeTNU)
	return p
}

// ratio rounds to two decimal places, the precision printed on master sheets.
func ratio(points, units int) *float64 {
	if units <= 0 {
		return nil
	}
	v := math.Round(float64(points)/float64(units)*100) / 100
	return &v
}
