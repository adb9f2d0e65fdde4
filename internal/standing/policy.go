package standing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Threshold triggers when the CGPA is below CGPABelow or the carryover count
// reaches Carryovers. A zero field disables that half of the rule.
type Threshold struct {
	CGPABelow  float64 `yaml:"cgpa_below"`
	Carryovers int     `yaml:"carryovers"`
}

func (t Threshold) matches(cgpa *float64, carryovers int) bool {
	if t.CGPABelow > 0 && cgpa != nil && *cgpa < t.CGPABelow {
		return true
	}
	return t.Carryovers > 0 && carryovers >= t.Carryovers
}

// Policy holds the institution's standing cutoffs.
type Policy struct {
	Probation                 Threshold `yaml:"probation"`
	Withdrawal                Threshold `yaml:"withdrawal"`
	Termination               Threshold `yaml:"termination"`
	EscalateRepeatedProbation bool      `yaml:"escalate_repeated_probation"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		Probation:                 Threshold{CGPABelow: 1.50, Carryovers: 5},
		Withdrawal:                Threshold{CGPABelow: 1.00, Carryovers: 10},
		EscalateRepeatedProbation: true,
	}
}

// LoadPolicy reads a YAML policy file. Keys missing from the file keep their
// default values.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("standing policy: %w", err)
	}
	return ParsePolicy(raw)
}

func ParsePolicy(raw []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("standing policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects cutoffs that would make a milder category unreachable.
func (p Policy) Validate() error {
	if p.Withdrawal.CGPABelow > 0 && p.Probation.CGPABelow > 0 && p.Withdrawal.CGPABelow > p.Probation.CGPABelow {
		return fmt.Errorf("standing policy: withdrawal cgpa_below %.2f above probation %.2f", p.Withdrawal.CGPABelow, p.Probation.CGPABelow)
	}
	if p.Termination.CGPABelow > 0 && p.Withdrawal.CGPABelow > 0 && p.Termination.CGPABelow > p.Withdrawal.CGPABelow {
		return fmt.Errorf("standing policy: termination cgpa_below %.2f above withdrawal %.2f", p.Termination.CGPABelow, p.Withdrawal.CGPABelow)
	}
	return nil
}
