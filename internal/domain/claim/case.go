// Package claim defines the clinical-claim case shape accepted by the adjudication and
// duplicate-detection core. Cases are built at the ingestion boundary and are read-only here.
package claim

import (
	"time"

	"github.com/drfirst/go-claimcheck/internal/normalize"
)

// ServiceType distinguishes the two kinds of tracked claim lines
type ServiceType string

const (
	ServiceTypeMedication ServiceType = "medication"
	ServiceTypeProcedure  ServiceType = "procedure"
)

// Case is one submitted claim for one patient
type Case struct {
	ClaimID     string       `json:"claimId" yaml:"claimId"`
	PatientID   string       `json:"patientId" yaml:"patientId"`
	Medications []Medication `json:"medications,omitempty" yaml:"medications,omitempty"`
	Services    []Service    `json:"services,omitempty" yaml:"services,omitempty"`
	Diagnoses   []Diagnosis  `json:"diagnoses,omitempty" yaml:"diagnoses,omitempty"`
	Vitals      Vitals       `json:"vitals,omitempty" yaml:"vitals,omitempty"`
	// ServiceDate is a date string or a spreadsheet day-serial number
	ServiceDate any `json:"serviceDate,omitempty" yaml:"serviceDate,omitempty"`
}

// Medication is a prescribed item on a claim
type Medication struct {
	Name      string  `json:"name" yaml:"name"`
	Code      string  `json:"code,omitempty" yaml:"code,omitempty"`
	Dose      string  `json:"dose,omitempty" yaml:"dose,omitempty"`
	Frequency string  `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Duration  string  `json:"duration,omitempty" yaml:"duration,omitempty"`
	Quantity  float64 `json:"quantity,omitempty" yaml:"quantity,omitempty"`
}

// Service is a lab, imaging study or procedure on a claim
type Service struct {
	Name     string  `json:"name" yaml:"name"`
	Code     string  `json:"code,omitempty" yaml:"code,omitempty"`
	Quantity float64 `json:"quantity,omitempty" yaml:"quantity,omitempty"`
}

// Diagnosis is an ICD-coded diagnosis
type Diagnosis struct {
	Code        string `json:"code" yaml:"code"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Vitals holds the optional vital signs recorded for the encounter
type Vitals struct {
	Temperature     *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Pulse           *int     `json:"pulse,omitempty" yaml:"pulse,omitempty"`
	RespiratoryRate *int     `json:"respiratoryRate,omitempty" yaml:"respiratoryRate,omitempty"`
	BloodPressure   string   `json:"bloodPressure,omitempty" yaml:"bloodPressure,omitempty"`
	OxygenSat       *float64 `json:"spo2,omitempty" yaml:"spo2,omitempty"`
	WeightKg        *float64 `json:"weightKg,omitempty" yaml:"weightKg,omitempty"`
}

// ServiceDay returns the calendar day of the claim, or today (from now) when
// the service date is missing or unparseable
func (c *Case) ServiceDay(now time.Time) time.Time {
	if t, ok := normalize.ParseDate(c.ServiceDate); ok {
		return t
	}
	return normalize.Day(now)
}

// PrimaryDiagnosis returns the first diagnosis code, if any
func (c *Case) PrimaryDiagnosis() string {
	if len(c.Diagnoses) == 0 {
		return ""
	}
	return c.Diagnoses[0].Code
}

// PatientIDs returns the distinct non-empty patient ids of cases in first-seen order
func PatientIDs(cases []Case) []string {
	seen := make(map[string]struct{}, len(cases))
	ids := make([]string, 0, len(cases))
	for i := range cases {
		id := cases[i].PatientID
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
