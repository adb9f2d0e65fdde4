package grading

// Grade is the letter and grade points a score earns.
type Grade struct {
	Letter string `json:"letter"`
	Points int    `json:"points"`
}

type band struct {
	min   float64
	grade Grade
}

// bands are ordered from the highest minimum down; a score belongs to the
// first band whose minimum it reaches.
var bands = []band{
	{70, Grade{"A", 5}},
	{60, Grade{"B", 4}},
	{50, Grade{"C", 3}},
	{45, Grade{"D", 2}},
}

var fail = Grade{"F", 0}

// Letters lists every letter the scale can produce, best first.
var Letters = []string{"A", "B", "C", "D", "F"}

// GradeFor maps a score to its grade. Scores outside [0,100] are clamped.
func GradeFor(score float64) Grade {
	if score > 100 {
		score = 100
	}
	for _, b := range bands {
		if score >= b.min {
			return b.grade
		}
	}
	return fail
}

// Passed reports whether the grade counts as a pass.
func (g Grade) Passed() bool { return g.Points > 0 }
