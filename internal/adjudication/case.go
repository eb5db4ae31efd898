// Package adjudication applies the rule evaluator to whole cases and batches of cases.
package adjudication

import (
	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/internal/rules"
)

// Summary tallies the decisions of one case or batch
type Summary struct {
	Approved     int `json:"approved"`
	Rejected     int `json:"rejected"`
	ManualReview int `json:"manualReview"`
	AIPending    int `json:"aiPending"`
}

// Add folds other into s
func (s *Summary) Add(other Summary) {
	s.Approved += other.Approved
	s.Rejected += other.Rejected
	s.ManualReview += other.ManualReview
	s.AIPending += other.AIPending
}

// Total returns the number of tallied items
func (s Summary) Total() int {
	return s.Approved + s.Rejected + s.ManualReview + s.AIPending
}

func (s *Summary) count(d rules.Decision) {
	switch d {
	case rules.DecisionApproved:
		s.Approved++
	case rules.DecisionRejected:
		s.Rejected++
	case rules.DecisionManualReview:
		s.ManualReview++
	default:
		s.AIPending++
	}
}

// CaseResult is the adjudication of every medication of one case
type CaseResult struct {
	ClaimID         string                   `json:"claimId"`
	PatientID       string                   `json:"patientId"`
	Medications     []rules.EvaluationResult `json:"medications"`
	Summary         Summary                  `json:"summary"`
	HasRuleDecision bool                     `json:"hasRuleDecision"`
	HasManualReview bool                     `json:"hasManualReview"`
}

// NeedsAIReview reports whether at least one item was left for external review
func (r CaseResult) NeedsAIReview() bool {
	return r.Summary.AIPending > 0
}

// EvaluateCase evaluates every medication of c. It has no side effects
func EvaluateCase(ev *rules.Evaluator, c *claim.Case) CaseResult {
	result := CaseResult{}
	if c == nil {
		result.Medications = []rules.EvaluationResult{}
		return result
	}
	result.ClaimID = c.ClaimID
	result.PatientID = c.PatientID
	result.Medications = ev.EvaluateMedications(c)

	for _, r := range result.Medications {
		result.Summary.count(r.Decision)
		if r.Source == rules.SourceRule {
			result.HasRuleDecision = true
		}
		if r.Decision == rules.DecisionManualReview || r.ManualReview {
			result.HasManualReview = true
		}
	}
	return result
}
