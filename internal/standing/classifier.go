package standing

// Category is a student's academic standing after a semester.
type Category string

const (
	Pass        Category = "pass"
	Probation   Category = "probation"
	Withdrawal  Category = "withdrawal"
	Termination Category = "termination"
)

// Categories lists every category in list order.
var Categories = []Category{Pass, Probation, Withdrawal, Termination}

const (
	FirstClass       = "First Class"
	SecondClassUpper = "Second Class Upper"
	SecondClassLower = "Second Class Lower"
	ThirdClass       = "Third Class"
	FailClass        = "Fail"
)

const (
	StatusNone       = "none"
	StatusProbation  = "probation"
	StatusWithdrawal = "withdrawal"
	StatusTerminated = "terminated"
)

// DegreeClassFor returns the class of degree a CGPA would earn.
func DegreeClassFor(cgpa *float64) string {
	if cgpa == nil {
		return ""
	}
	switch c := *cgpa; {
	case c >= 4.50:
		return FirstClass
	case c >= 3.50:
		return SecondClassUpper
	case c >= 2.50:
		return SecondClassLower
	case c >= 1.50:
		return ThirdClass
	default:
		return FailClass
	}
}

// Classify assigns a category from the CGPA, the uncleared carryover count
// and the standing of the previous semester. It does no I/O.
func (p Policy) Classify(cgpa *float64, carryovers int, prior Category) Category {
	switch {
	case p.Termination.matches(cgpa, carryovers):
		return Termination
	case p.Withdrawal.matches(cgpa, carryovers):
		return Withdrawal
	case p.Probation.matches(cgpa, carryovers):
		if prior == Probation && p.EscalateRepeatedProbation {
			return Withdrawal
		}
		return Probation
	}
	return Pass
}

// Statuses maps a category onto the student's probation and termination
// status fields.
func (c Category) Statuses() (probation, termination string) {
	switch c {
	case Probation:
		return StatusProbation, StatusNone
	case Withdrawal:
		return StatusWithdrawal, StatusNone
	case Termination:
		return StatusNone, StatusTerminated
	}
	return StatusNone, StatusNone
}

func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}
