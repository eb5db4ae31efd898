// Package rules loads the versioned adjudication rule set and evaluates drugs against it.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// CategoryDiagnosisRestricted tags rules evaluated in the second pass
const CategoryDiagnosisRestricted = "diagnosis_restricted"

// Document is the rule store document as maintained by rule authors
type Document struct {
	Version     string              `json:"version" yaml:"version"`
	LastUpdated string              `json:"lastUpdated" yaml:"lastUpdated"`
	Rules       []Rule              `json:"rules" yaml:"rules"`
	DrugClasses map[string][]string `json:"drugClasses" yaml:"drugClasses"`
}

// Rule is one adjudication rule. Which predicate fields are set decides its kinds.
// Unknown fields in the document are ignored so that new optional fields can be added
// without touching existing categories
type Rule struct {
	ID       string   `json:"id" yaml:"id"`
	Category string   `json:"category,omitempty" yaml:"category,omitempty"`
	Drugs    []string `json:"drugs,omitempty" yaml:"drugs,omitempty"`

	ForbidICDCodes     []string `json:"forbidIcdCodes,omitempty" yaml:"forbidIcdCodes,omitempty"`
	ForbidDescriptions []string `json:"forbidDescriptions,omitempty" yaml:"forbidDescriptions,omitempty"`

	RejectIfOtherDrugClass string `json:"rejectIfOtherDrugClass,omitempty" yaml:"rejectIfOtherDrugClass,omitempty"`

	RequireServices              []string `json:"requireServices,omitempty" yaml:"requireServices,omitempty"`
	ManualReviewIfServicePresent bool     `json:"manualReviewIfServicePresent,omitempty" yaml:"manualReviewIfServicePresent,omitempty"`

	RequireICDPrefixes []string `json:"requireIcdPrefixes,omitempty" yaml:"requireIcdPrefixes,omitempty"`

	// Diagnosis-restricted rules: a case carrying one of DiagnosisCodes may only
	// be prescribed AllowedDrugs
	DiagnosisCodes []string `json:"diagnosisCodes,omitempty" yaml:"diagnosisCodes,omitempty"`
	AllowedDrugs   []string `json:"allowedDrugs,omitempty" yaml:"allowedDrugs,omitempty"`

	RejectReason       Text `json:"rejectReason,omitempty" yaml:"rejectReason,omitempty"`
	ApproveReason      Text `json:"approveReason,omitempty" yaml:"approveReason,omitempty"`
	ManualReviewReason Text `json:"manualReviewReason,omitempty" yaml:"manualReviewReason,omitempty"`
}

// Format is the encoding of a rule document
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks YAML for .yaml/.yml files and JSON otherwise
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// ParseDocument decodes a rule document
func ParseDocument(data []byte, format Format) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDocument)
	}

	doc := &Document{}
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, doc)
	default:
		err = json.Unmarshal(data, doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidDocument, format, err)
	}
	return doc, nil
}
