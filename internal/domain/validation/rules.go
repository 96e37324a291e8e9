// Package validation scores a feature against a fixed set of weighted rules.
package validation

import (
	"fmt"
	"strings"

	"github.com/Strob0t/PRDForge/internal/domain/project"
)

// DefaultThreshold is the aggregate score a feature needs to be valid.
const DefaultThreshold = 0.7

// Verdict values carried by validation_complete.
const (
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// Rule names.
const (
	RuleCompleteness = "completeness"
	RuleConsistency  = "consistency"
	RuleFeasibility  = "feasibility"
)

// Rule is one weighted check. Check returns a score in [0,1] and the issues found.
type Rule struct {
	Name   string
	Weight float64
	Check  func(f project.Feature) (float64, []string)
}

// DefaultRules returns the completeness, consistency and feasibility rules.
// Weights sum to 1.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleCompleteness, Weight: 0.5, Check: checkCompleteness},
		{Name: RuleConsistency, Weight: 0.3, Check: checkConsistency},
		{Name: RuleFeasibility, Weight: 0.2, Check: checkFeasibility},
	}
}

// Outcome is the aggregated result of one validation pass.
type Outcome struct {
	Valid    bool                       `json:"valid"`
	Score    float64                    `json:"score"`
	Results  []project.ValidationResult `json:"results"`
	Feedback string                     `json:"feedback"`
	Issues   []string                   `json:"issues,omitempty"`
}

// Status returns the verdict string for the outcome.
func (o Outcome) Status() string {
	if o.Valid {
		return StatusValid
	}
	return StatusInvalid
}

// Validator applies rules and compares the weighted sum to a threshold.
type Validator struct {
	rules     []Rule
	threshold float64
}

// New creates a validator. A non-positive threshold selects DefaultThreshold;
// nil rules select DefaultRules.
func New(rules []Rule, threshold float64) *Validator {
	if rules == nil {
		rules = DefaultRules()
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Validator{rules: rules, threshold: threshold}
}

// Threshold returns the configured pass threshold.
func (v *Validator) Threshold() float64 { return v.threshold }

// Evaluate runs every rule once and aggregates the scores.
func (v *Validator) Evaluate(f project.Feature) Outcome {
	var (
		total    float64
		weights  float64
		results  = make([]project.ValidationResult, 0, len(v.rules))
		feedback []string
		issues   []string
	)
	for _, r := range v.rules {
		score, found := r.Check(f)
		total += score * r.Weight
		weights += r.Weight

		msg := "passed"
		if len(found) > 0 {
			msg = strings.Join(found, ", ")
		}
		results = append(results, project.ValidationResult{Rule: r.Name, Score: score, Feedback: msg})

		if score < v.threshold {
			feedback = append(feedback, fmt.Sprintf("%s: %s", title(r.Name), msg))
			issues = append(issues, found...)
		}
	}
	if weights > 0 {
		total /= weights
	}

	out := Outcome{
		Valid:   total >= v.threshold,
		Score:   total,
		Results: results,
		Issues:  issues,
	}
	if len(feedback) == 0 {
		out.Feedback = "All validations passed"
	} else {
		out.Feedback = strings.Join(feedback, "; ")
	}
	return out
}

func checkCompleteness(f project.Feature) (float64, []string) {
	score := 1.0
	var issues []string
	if strings.TrimSpace(f.Name) == "" {
		score *= 0.5
		issues = append(issues, "Missing name")
	}
	if strings.TrimSpace(f.Description) == "" {
		score *= 0.5
		issues = append(issues, "Missing description")
	}
	if len(f.Requirements) == 0 {
		score *= 0.5
		issues = append(issues, "Missing requirements")
	}
	if f.Priority == "" {
		score *= 0.5
		issues = append(issues, "Missing priority")
	}
	return score, issues
}

func checkConsistency(f project.Feature) (float64, []string) {
	score := 1.0
	var issues []string
	if !f.Priority.Valid() {
		score *= 0.7
		issues = append(issues, "Invalid priority level")
	}
	seen := make(map[string]bool, len(f.Requirements))
	for _, r := range f.Requirements {
		key := strings.ToLower(strings.TrimSpace(r))
		if seen[key] {
			score *= 0.8
			issues = append(issues, "Duplicate requirements")
			break
		}
		seen[key] = true
	}
	for _, d := range f.Dependencies {
		if f.Name != "" && strings.EqualFold(d, f.Name) {
			score *= 0.8
			issues = append(issues, "Feature depends on itself")
			break
		}
	}
	return score, issues
}

func checkFeasibility(f project.Feature) (float64, []string) {
	score := 1.0
	var issues []string
	if len(f.Dependencies) > 0 {
		score *= 0.9
		issues = append(issues, "Has dependencies that need verification")
	}
	if len(f.Dependencies) > 5 {
		score *= 0.7
		issues = append(issues, "Too many dependencies")
	}
	if len(f.Requirements) > 10 {
		score *= 0.8
		issues = append(issues, "Scope too large, consider splitting")
	}
	return score, issues
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
