package duplicate

import (
	"fmt"

	"github.com/drfirst/go-claimcheck/internal/domain/claim"
)

func itemNoun(t claim.ServiceType) string {
	if t == claim.ServiceTypeProcedure {
		return "procedure"
	}
	return "medication"
}

func reasonFor(f *Finding) string {
	switch f.Severity {
	case SeverityReject:
		return fmt.Sprintf("Same %s claimed %d days after claim %s; likely rejected as a duplicate",
			itemNoun(f.ServiceType), f.DaysDiff, f.PriorClaimID)
	case SeverityWarning:
		return fmt.Sprintf("Same %s claimed %d days after claim %s; may need supporting documentation",
			itemNoun(f.ServiceType), f.DaysDiff, f.PriorClaimID)
	default:
		return fmt.Sprintf("Same %s claimed %d days after claim %s",
			itemNoun(f.ServiceType), f.DaysDiff, f.PriorClaimID)
	}
}

// remediationFor returns the chart instructions and, for the reject tier, the
// attestation template to paste into the patient record
func remediationFor(f *Finding) (string, string) {
	switch f.Severity {
	case SeverityReject:
		text := fmt.Sprintf("%s was already claimed on %s (%d days ago). Before resubmitting, document one of:\n"+
			"1. Lost or damaged supply: what happened to the previous supply and when.\n"+
			"2. Dose change: the previous dose, the new dose and the clinical reason for the change.\n"+
			"3. Early exhaustion: why the previous supply ran out before the expected date.",
			f.ServiceName, f.PriorDate, f.DaysDiff)
		attestation := fmt.Sprintf("I attest that the %s supplied on %s was [lost / damaged / used up early / changed in dose] "+
			"because ____________________. A new supply on %s is clinically required for ____________________. "+
			"Prescriber: ____________ Date: ____________",
			f.ServiceName, f.PriorDate, f.ServiceDate)
		return text, attestation
	case SeverityWarning:
		return fmt.Sprintf("%s was claimed %d days ago (%s). Additional documentation may be required: "+
			"record the patient's response to treatment so far and the reason it is being ordered again.",
			f.ServiceName, f.DaysDiff, f.PriorDate), ""
	default:
		return fmt.Sprintf("%s was claimed %d days ago (%s). For information only; no action required.",
			f.ServiceName, f.DaysDiff, f.PriorDate), ""
	}
}
