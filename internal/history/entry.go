// Package history persists claim lines to a tabular row store and indexes a
// patient's recent claim lines for duplicate detection.
package history

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/internal/normalize"
)

// DefaultTable is the table holding claim history
const DefaultTable = "claim_history"

// Column names of the history table, in the order rows are written
const (
	ColHash          = "hash"
	ColPatientID     = "patient_id"
	ColServiceCode   = "service_code"
	ColServiceName   = "service_name"
	ColServiceType   = "service_type"
	ColDiagnosisCode = "diagnosis_code"
	ColServiceDate   = "service_date"
	ColQuantity      = "quantity"
	ColClaimID       = "claim_id"
	ColSource        = "source"
	ColCreatedAt     = "created_at"
)

// Headers is the header row of the history table
var Headers = []string{
	ColHash,
	ColPatientID,
	ColServiceCode,
	ColServiceName,
	ColServiceType,
	ColDiagnosisCode,
	ColServiceDate,
	ColQuantity,
	ColClaimID,
	ColSource,
	ColCreatedAt,
}

// Entry is one persisted claim line
type Entry struct {
	Hash          string            `json:"hash"`
	PatientID     string            `json:"patientId"`
	ServiceCode   string            `json:"serviceCode"`
	ServiceName   string            `json:"serviceName"`
	ServiceType   claim.ServiceType `json:"serviceType"`
	DiagnosisCode string            `json:"diagnosisCode,omitempty"`
	ServiceDate   string            `json:"serviceDate"`
	Quantity      float64           `json:"quantity,omitempty"`
	ClaimID       string            `json:"claimId"`
	Source        string            `json:"source,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// ComputeHash returns the content hash of the entry's (patient, service, day) triple
func (e *Entry) ComputeHash() string {
	return ContentHash(e.PatientID, e.ServiceCode, e.ServiceDate)
}

// Day returns the service date as a UTC midnight
func (e *Entry) Day() (time.Time, bool) {
	return normalize.ParseDate(e.ServiceDate)
}

// Row encodes the entry in Headers order
func (e *Entry) Row() Row {
	return Row{
		e.Hash,
		e.PatientID,
		e.ServiceCode,
		e.ServiceName,
		string(e.ServiceType),
		e.DiagnosisCode,
		e.ServiceDate,
		e.Quantity,
		e.ClaimID,
		e.Source,
		e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// columnIndex maps header names to positions. Unknown columns are ignored so that
// stores may carry extra columns or a different column order
type columnIndex map[string]int

func indexHeaders(header Row) columnIndex {
	idx := make(columnIndex, len(header))
	for i, v := range header {
		name := strings.ToLower(strings.TrimSpace(cellString(v)))
		if name == "" {
			continue
		}
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	return idx
}

func (idx columnIndex) cell(row Row, col string) any {
	i, ok := idx[col]
	if !ok || i >= len(row) {
		return nil
	}
	return row[i]
}

func (idx columnIndex) str(row Row, col string) string {
	return strings.TrimSpace(cellString(idx.cell(row, col)))
}

// decodeRow reads an entry. ok is false for rows without a patient id or service
// code, or with an unparseable service date
func (idx columnIndex) decodeRow(row Row) (Entry, bool) {
	e := Entry{
		Hash:          idx.str(row, ColHash),
		PatientID:     idx.str(row, ColPatientID),
		ServiceCode:   idx.str(row, ColServiceCode),
		ServiceName:   idx.str(row, ColServiceName),
		ServiceType:   claim.ServiceType(idx.str(row, ColServiceType)),
		DiagnosisCode: idx.str(row, ColDiagnosisCode),
		ClaimID:       idx.str(row, ColClaimID),
		Source:        idx.str(row, ColSource),
	}
	if e.PatientID == "" || e.ServiceCode == "" {
		return Entry{}, false
	}

	bucket := normalize.DateBucket(idx.cell(row, ColServiceDate))
	if bucket == "" {
		return Entry{}, false
	}
	e.ServiceDate = bucket

	if q, err := strconv.ParseFloat(idx.str(row, ColQuantity), 64); err == nil {
		e.Quantity = q
	}
	if t, ok := idx.cell(row, ColCreatedAt).(time.Time); ok {
		e.CreatedAt = t
	} else if t, err := time.Parse(time.RFC3339, idx.str(row, ColCreatedAt)); err == nil {
		e.CreatedAt = t
	}
	return e, true
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
