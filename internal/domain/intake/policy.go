package intake

import "time"

// Candidate identifies the order a submission wants to create.
type Candidate struct {
	PatientMRN     string
	MedicationName string
	OrderDate      time.Time
}

// Check inspects the existing orders for the candidate's patient and
// medication. A non-nil error is a terminal rejection.
type Check func(c Candidate, existing []Order) (Signals, error)

// NamedCheck is one stage of a DuplicatePolicy.
type NamedCheck struct {
	Name  string
	Check Check
}

// DuplicatePolicy runs its checks in order, stopping at the first rejection
// and otherwise accumulating signals.
type DuplicatePolicy struct {
	checks []NamedCheck
}

// NewDuplicatePolicy builds a policy from checks in evaluation order.
func NewDuplicatePolicy(checks ...NamedCheck) *DuplicatePolicy {
	return &DuplicatePolicy{checks: checks}
}

// DefaultDuplicatePolicy rejects hard duplicates before scanning for soft
// ones.
func DefaultDuplicatePolicy() *DuplicatePolicy {
	return NewDuplicatePolicy(
		NamedCheck{Name: "hard_duplicate", Check: HardDuplicate},
		NamedCheck{Name: "soft_duplicate", Check: SoftDuplicate},
	)
}

// Evaluate classifies the candidate against existing orders.
func (p *DuplicatePolicy) Evaluate(c Candidate, existing []Order) (Signals, error) {
	var acc Signals
	for _, nc := range p.checks {
		s, err := nc.Check(c, existing)
		if err != nil {
			return Signals{}, err
		}
		acc = acc.Merge(s)
	}
	return acc, nil
}

// HardDuplicate rejects a candidate matching an existing order on
// medication and date.
func HardDuplicate(c Candidate, existing []Order) (Signals, error) {
	for i := range existing {
		o := &existing[i]
		if o.SameMedication(c.MedicationName) && o.SameDate(c.OrderDate) {
			return Signals{}, &DuplicateOrderError{
				MRN:            c.PatientMRN,
				MedicationName: c.MedicationName,
				OrderDate:      c.OrderDate,
			}
		}
	}
	return Signals{}, nil
}

// SoftDuplicate flags a candidate whose medication was already ordered for
// the patient on a different date.
func SoftDuplicate(c Candidate, existing []Order) (Signals, error) {
	for i := range existing {
		o := &existing[i]
		if o.SameMedication(c.MedicationName) && !o.SameDate(c.OrderDate) {
			return Signals{SoftDuplicate: true}, nil
		}
	}
	return Signals{}, nil
}
