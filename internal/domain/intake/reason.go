package intake

import "strings"

// Warning sentences stored in Order.Reason, in priority order.
const (
	ReasonSoftDuplicate        = "Possible duplicate order (same patient + medication on a different date)."
	ReasonProviderIdentity     = "Provider name already exists under a different NPI."
	ReasonProviderNameMismatch = "Same NPI entered with a different provider name."
	ReasonPatientNameMismatch  = "Same MRN entered with a different patient name."
)

// ReasonSeparator joins warning sentences.
const ReasonSeparator = " | "

// Signals are the non-blocking warnings raised while accepting an order.
type Signals struct {
	SoftDuplicate            bool
	ProviderIdentityConflict bool
	ProviderNameMismatch     bool
	PatientNameMismatch      bool
}

// Any reports whether at least one signal fired.
func (s Signals) Any() bool {
	return s.SoftDuplicate || s.ProviderIdentityConflict || s.ProviderNameMismatch || s.PatientNameMismatch
}

// Merge returns the union of s and o.
func (s Signals) Merge(o Signals) Signals {
	return Signals{
		SoftDuplicate:            s.SoftDuplicate || o.SoftDuplicate,
		ProviderIdentityConflict: s.ProviderIdentityConflict || o.ProviderIdentityConflict,
		ProviderNameMismatch:     s.ProviderNameMismatch || o.ProviderNameMismatch,
		PatientNameMismatch:      s.PatientNameMismatch || o.PatientNameMismatch,
	}
}

// Reason renders the fired signals as one pipe-delimited string. It is empty
// when nothing fired.
func Reason(s Signals) string {
	var parts []string
	if s.SoftDuplicate {
		parts = append(parts, ReasonSoftDuplicate)
	}
	if s.ProviderIdentityConflict {
		parts = append(parts, ReasonProviderIdentity)
	}
	if s.ProviderNameMismatch {
		parts = append(parts, ReasonProviderNameMismatch)
	}
	if s.PatientNameMismatch {
		parts = append(parts, ReasonPatientNameMismatch)
	}
	return strings.Join(parts, ReasonSeparator)
}
