package rules

import (
	"encoding/json"
	"fmt"
)

// Decision is the outcome of evaluating one drug. The empty decision means no rule
// reached a verdict and the item is deferred to external review
type Decision string

const (
	DecisionNone         Decision = ""
	DecisionApproved     Decision = "APPROVED"
	DecisionRejected     Decision = "REJECTED"
	DecisionManualReview Decision = "MANUAL_REVIEW"
)

// MarshalJSON renders the empty decision as null
func (d Decision) MarshalJSON() ([]byte, error) {
	if d == DecisionNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(d))
}

// UnmarshalJSON accepts null, the empty string and the three decision names
func (d *Decision) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = DecisionNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch Decision(s) {
	case DecisionNone, DecisionApproved, DecisionRejected, DecisionManualReview:
		*d = Decision(s)
		return nil
	}
	return fmt.Errorf("unknown decision %q", s)
}

// Source tells whether a decision came from a rule or is left for AI/human review
type Source string

const (
	SourceRule Source = "RULE"
	SourceAI   Source = "AI"
)

// EvaluationResult is the verdict for one (drug, case) pair
type EvaluationResult struct {
	Drug          string   `json:"drug"`
	RuleID        *string  `json:"ruleId"`
	Decision      Decision `json:"decision"`
	Source        Source   `json:"source"`
	Kind          Kind     `json:"kind,omitempty"`
	Justification Text     `json:"justification,omitempty"`
	ManualReview  bool     `json:"manualReview"`
}

// Deferred reports whether the result carries no rule decision
func (r EvaluationResult) Deferred() bool {
	return r.Decision == DecisionNone
}

// MatchedRule returns the rule id or the empty string
func (r EvaluationResult) MatchedRule() string {
	if r.RuleID == nil {
		return ""
	}
	return *r.RuleID
}

func deferred(drug string, why Text) EvaluationResult {
	return EvaluationResult{
		Drug:          drug,
		Decision:      DecisionNone,
		Source:        SourceAI,
		Justification: why,
	}
}

func decided(drug string, rule *compiledRule, kind Kind, decision Decision, why Text) EvaluationResult {
	id := rule.ID
	return EvaluationResult{
		Drug:          drug,
		RuleID:        &id,
		Decision:      decision,
		Source:        SourceRule,
		Kind:          kind,
		Justification: why,
		ManualReview:  decision == DecisionManualReview,
	}
}
