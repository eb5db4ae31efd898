package rules

import (
	"fmt"
	"strings"
)

// Kind is the evaluation category of a rule check
type Kind int

const (
	KindUnknown Kind = iota
	KindForbidden
	KindRequiresClassAbsence
	KindRequiresService
	KindRequiresDiagnosisPrefix
	KindDiagnosisRestricted
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindForbidden:               "forbidden",
	KindRequiresClassAbsence:    "requires_class_absence",
	KindRequiresService:         "requires_service",
	KindRequiresDiagnosisPrefix: "requires_diagnosis_prefix",
	KindDiagnosisRestricted:     "diagnosis_restricted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind name in JSON and YAML output
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown rule kind %q", text)
}

// Pass is the evaluation pass a rule belongs to. Every general rule is evaluated
// before any diagnosis-restricted rule
type Pass int

const (
	PassGeneral Pass = iota + 1
	PassDiagnosisRestricted
)

// Pass returns the evaluation pass of the rule
func (r *Rule) Pass() Pass {
	if strings.EqualFold(strings.TrimSpace(r.Category), CategoryDiagnosisRestricted) {
		return PassDiagnosisRestricted
	}
	return PassGeneral
}

// Kinds returns the checks the rule declares, in evaluation order
func (r *Rule) Kinds() []Kind {
	if r.Pass() == PassDiagnosisRestricted {
		return []Kind{KindDiagnosisRestricted}
	}

	var kinds []Kind
	if len(r.ForbidICDCodes) > 0 || len(r.ForbidDescriptions) > 0 {
		kinds = append(kinds, KindForbidden)
	}
	if strings.TrimSpace(r.RejectIfOtherDrugClass) != "" {
		kinds = append(kinds, KindRequiresClassAbsence)
	}
	if len(r.RequireServices) > 0 {
		kinds = append(kinds, KindRequiresService)
	}
	if len(r.RequireICDPrefixes) > 0 {
		kinds = append(kinds, KindRequiresDiagnosisPrefix)
	}
	return kinds
}

// Kind returns the first check of the rule, or KindUnknown for a rule with none
func (r *Rule) Kind() Kind {
	if kinds := r.Kinds(); len(kinds) > 0 {
		return kinds[0]
	}
	return KindUnknown
}

// validate enforces that a rule sits in exactly one pass and references known classes
func (r *Rule) validate(classes map[string][]string) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule without id")
	}

	if r.Pass() == PassDiagnosisRestricted {
		if len(r.ForbidICDCodes) > 0 || len(r.ForbidDescriptions) > 0 || r.RejectIfOtherDrugClass != "" ||
			len(r.RequireServices) > 0 || len(r.RequireICDPrefixes) > 0 {
			return fmt.Errorf("rule %s: %s rules cannot declare general predicates", r.ID, CategoryDiagnosisRestricted)
		}
		if len(r.DiagnosisCodes) == 0 {
			return fmt.Errorf("rule %s: %s rule needs diagnosisCodes", r.ID, CategoryDiagnosisRestricted)
		}
		return nil
	}

	if len(r.DiagnosisCodes) > 0 || len(r.AllowedDrugs) > 0 {
		return fmt.Errorf("rule %s: diagnosisCodes/allowedDrugs require category %q", r.ID, CategoryDiagnosisRestricted)
	}
	if class := strings.TrimSpace(r.RejectIfOtherDrugClass); class != "" {
		if _, ok := lookupClass(classes, class); !ok {
			return fmt.Errorf("rule %s: unknown drug class %q", r.ID, class)
		}
	}
	return nil
}

// lookupClass finds a class by exact name, then case-insensitively
func lookupClass(classes map[string][]string, name string) ([]string, bool) {
	if aliases, ok := classes[name]; ok {
		return aliases, true
	}
	for key, aliases := range classes {
		if strings.EqualFold(key, name) {
			return aliases, true
		}
	}
	return nil, false
}
