package rules

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/internal/normalize"
)

// caseContext is the normalized, read-only view of a case shared by all checks
type caseContext struct {
	diagnoses   []diagnosisKey
	services    []serviceKey
	medications []string
}

type diagnosisKey struct {
	code        string
	raw         string
	description string
}

type serviceKey struct {
	name string
	code string
}

// checkFunc runs one kind of check. ok is false when the check reached no terminal decision
type checkFunc func(drug string, rule *compiledRule, cc *caseContext) (decision Decision, why Text, ok bool)

// checks is the dispatch table for every rule kind
var checks = map[Kind]checkFunc{
	KindForbidden:               checkForbidden,
	KindRequiresClassAbsence:    checkClassAbsence,
	KindRequiresService:         checkRequiredService,
	KindRequiresDiagnosisPrefix: checkDiagnosisPrefix,
	KindDiagnosisRestricted:     checkDiagnosisRestricted,
}

// Evaluator applies a rule store to drugs. It holds no mutable state and is safe for
// concurrent use
type Evaluator struct {
	store *Store
}

// NewEvaluator creates an evaluator over store. A nil store defers every drug
func NewEvaluator(store *Store) *Evaluator {
	return &Evaluator{store: store}
}

// Store returns the rule store the evaluator was built with
func (e *Evaluator) Store() *Store {
	return e.store
}

// EvaluateDrug returns exactly one result for drug in the context of c
func (e *Evaluator) EvaluateDrug(drug string, c *claim.Case) EvaluationResult {
	return e.evaluate(drug, e.prepare(c))
}

// EvaluateMedications evaluates every medication of c in case order
func (e *Evaluator) EvaluateMedications(c *claim.Case) []EvaluationResult {
	if c == nil || len(c.Medications) == 0 {
		return []EvaluationResult{}
	}
	cc := e.prepare(c)
	results := make([]EvaluationResult, 0, len(c.Medications))
	for _, m := range c.Medications {
		drug := m.Name
		if strings.TrimSpace(drug) == "" {
			drug = m.Code
		}
		results = append(results, e.evaluate(drug, cc))
	}
	return results
}

func (e *Evaluator) normalizer() *normalize.Normalizer {
	if e.store == nil || e.store.norm == nil {
		return normalize.Default
	}
	return e.store.norm
}

func (e *Evaluator) prepare(c *claim.Case) *caseContext {
	cc := &caseContext{}
	if c == nil {
		return cc
	}
	n := e.normalizer()

	for _, d := range c.Diagnoses {
		cc.diagnoses = append(cc.diagnoses, diagnosisKey{
			code:        normalize.DiagnosisCode(d.Code),
			raw:         d.Code,
			description: n.ServiceCode(d.Description),
		})
	}
	for _, s := range c.Services {
		cc.services = append(cc.services, serviceKey{
			name: n.ServiceCode(s.Name),
			code: n.ServiceCode(s.Code),
		})
	}
	for _, m := range c.Medications {
		name := n.ServiceCode(m.Name)
		if name == "" {
			name = n.ServiceCode(m.Code)
		}
		cc.medications = append(cc.medications, name)
	}
	return cc
}

func (e *Evaluator) evaluate(drug string, cc *caseContext) EvaluationResult {
	if e.store == nil || e.store.Len() == 0 {
		return deferred(drug, Plain("en", "Rule store unavailable; deferred to review"))
	}

	code := e.normalizer().ServiceCode(drug)
	if code == "" {
		return deferred(drug, nil)
	}

	for _, rule := range e.store.general {
		if !matchesAny(rule.aliases, code) {
			continue
		}
		for _, kind := range rule.kinds {
			if decision, why, ok := checks[kind](code, rule, cc); ok {
				return decided(drug, rule, kind, decision, why)
			}
		}
	}

	for _, rule := range e.store.restricted {
		if decision, why, ok := checks[KindDiagnosisRestricted](code, rule, cc); ok {
			return decided(drug, rule, KindDiagnosisRestricted, decision, why)
		}
	}

	return deferred(drug, nil)
}

func matchesAny(keys []string, code string) bool {
	for _, k := range keys {
		if normalize.MatchesCodes(k, code) {
			return true
		}
	}
	return false
}

func hasCodeOrPrefix(diagnosis string, codes []string) (string, bool) {
	if diagnosis == "" {
		return "", false
	}
	for _, c := range codes {
		if diagnosis == c || strings.HasPrefix(diagnosis, c) {
			return c, true
		}
	}
	return "", false
}

func reason(t Text, fallback string, args ...any) Text {
	if len(t) > 0 {
		return t
	}
	return Plain("en", fmt.Sprintf(fallback, args...))
}

func checkForbidden(_ string, rule *compiledRule, cc *caseContext) (Decision, Text, bool) {
	for _, d := range cc.diagnoses {
		if _, ok := hasCodeOrPrefix(d.code, rule.forbidCodes); ok {
			return DecisionRejected, reason(rule.RejectReason,
				"Contraindicated with diagnosis %s (rule %s)", d.raw, rule.ID), true
		}
		if d.description == "" {
			continue
		}
		for _, fd := range rule.forbidDescriptions {
			if strings.Contains(d.description, fd) {
				return DecisionRejected, reason(rule.RejectReason,
					"Contraindicated with diagnosis %s (rule %s)", d.raw, rule.ID), true
			}
		}
	}
	return DecisionNone, nil, false
}

func checkClassAbsence(drug string, rule *compiledRule, cc *caseContext) (Decision, Text, bool) {
	count := 0
	for _, med := range cc.medications {
		if med == "" || med == drug {
			continue
		}
		if matchesAny(rule.classAliases, med) {
			count++
		}
	}
	if count > 0 {
		return DecisionRejected, reason(rule.RejectReason,
			"%d other %s drug(s) already prescribed (rule %s)", count, rule.RejectIfOtherDrugClass, rule.ID), true
	}
	return DecisionNone, nil, false
}

func checkRequiredService(_ string, rule *compiledRule, cc *caseContext) (Decision, Text, bool) {
	present := false
	for _, s := range cc.services {
		if matchesAny(rule.requireServices, s.name) || matchesAny(rule.requireServices, s.code) {
			present = true
			break
		}
	}
	if !present {
		return DecisionRejected, reason(rule.RejectReason,
			"Required service missing: %s (rule %s)", strings.Join(rule.RequireServices, ", "), rule.ID), true
	}
	if rule.ManualReviewIfServicePresent {
		return DecisionManualReview, reason(rule.ManualReviewReason,
			"Supporting service present; result needs manual review (rule %s)", rule.ID), true
	}
	return DecisionNone, nil, false
}

func checkDiagnosisPrefix(_ string, rule *compiledRule, cc *caseContext) (Decision, Text, bool) {
	for _, d := range cc.diagnoses {
		if prefix, ok := hasCodeOrPrefix(d.code, rule.requirePrefixes); ok {
			return DecisionApproved, reason(rule.ApproveReason,
				"Diagnosis %s supports the prescription (prefix %s, rule %s)", d.raw, prefix, rule.ID), true
		}
	}
	return DecisionRejected, reason(rule.RejectReason,
		"No diagnosis with required prefix %s (rule %s)", strings.Join(rule.RequireICDPrefixes, ", "), rule.ID), true
}

func checkDiagnosisRestricted(drug string, rule *compiledRule, cc *caseContext) (Decision, Text, bool) {
	for _, d := range cc.diagnoses {
		if _, ok := hasCodeOrPrefix(d.code, rule.targetCodes); !ok {
			continue
		}
		if matchesAny(rule.allowedDrugs, drug) {
			return DecisionNone, nil, false
		}
		return DecisionRejected, reason(rule.RejectReason,
			"Diagnosis %s restricts prescribing to %s (rule %s)", d.raw, strings.Join(rule.AllowedDrugs, ", "), rule.ID), true
	}
	return DecisionNone, nil, false
}
