package duplicate

import (
	"math"
	"time"

	"github.com/drfirst/go-claimcheck/internal/domain/claim"
)

// Severity ranks how significant a repeated service is
type Severity string

const (
	SeverityReject  Severity = "reject"
	SeverityWarning Severity = "warning"
	SeverityWatch   Severity = "watch"
)

// Tier limits in days, inclusive
const (
	RejectWithinDays  = 30
	WarningWithinDays = 60
	WatchWithinDays   = 90
)

// Classify maps a day delta onto a severity tier. Procedures have no watch tier.
// ok is false when the repeat is not significant
func Classify(daysDiff int, serviceType claim.ServiceType) (Severity, bool) {
	switch {
	case daysDiff < 0:
		return "", false
	case daysDiff <= RejectWithinDays:
		return SeverityReject, true
	case daysDiff <= WarningWithinDays:
		return SeverityWarning, true
	case daysDiff <= WatchWithinDays && serviceType == claim.ServiceTypeMedication:
		return SeverityWatch, true
	}
	return "", false
}

// DaysBetween returns the whole number of days between a and b, rounded up
func DaysBetween(a, b time.Time) int {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return int(math.Ceil(diff.Hours() / 24))
}
