// Package intake implements the clinical order intake engine: field
// validation, provider/patient identity resolution, duplicate policy and the
// atomic unit of work that commits an order.
package intake

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format for order dates and dates of birth.
const DateLayout = "2006-01-02"

// Provider is a prescriber identified by a 10-digit NPI.
type Provider struct {
	ID        uuid.UUID `json:"id"`
	NPI       string    `json:"npi"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Patient is identified by its medical record number.
type Patient struct {
	ID          uuid.UUID  `json:"id"`
	MRN         string     `json:"mrn"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Order is one request to dispense a medication for a patient.
type Order struct {
	ID                  uuid.UUID `json:"id"`
	PatientID           uuid.UUID `json:"patient_id"`
	ProviderID          uuid.UUID `json:"provider_id"`
	MedicationName      string    `json:"medication_name"`
	OrderDate           time.Time `json:"order_date"`
	PrimaryDiagnosis    string    `json:"primary_diagnosis"`
	AdditionalDiagnoses []string  `json:"additional_diagnoses"`
	MedicationHistory   []string  `json:"medication_history"`
	PatientRecordsText  string    `json:"patient_records_text"`
	DuplicateFlag       bool      `json:"duplicate_flag"`
	Reason              string    `json:"reason"`
	CreatedAt           time.Time `json:"created_at"`
}

// SameMedication reports whether name refers to the order's medication,
// ignoring case and surrounding whitespace.
func (o *Order) SameMedication(name string) bool {
	return strings.EqualFold(strings.TrimSpace(o.MedicationName), strings.TrimSpace(name))
}

// SameDate reports whether d falls on the order's calendar date.
func (o *Order) SameDate(d time.Time) bool {
	return o.OrderDate.Format(DateLayout) == d.Format(DateLayout)
}

// OrderRecord is a committed order together with its resolved identities.
type OrderRecord struct {
	Order    Order    `json:"order"`
	Patient  Patient  `json:"patient"`
	Provider Provider `json:"provider"`
}

// Flagged reports whether the order was accepted with a warning.
func (r *OrderRecord) Flagged() bool {
	return r.Order.DuplicateFlag || r.Order.Reason != ""
}

// CarePlan is the narrative generated downstream for a committed order.
type CarePlan struct {
	ID            uuid.UUID `json:"id"`
	OrderID       uuid.UUID `json:"order_id"`
	GeneratedText string    `json:"generated_text"`
	LLMModel      string    `json:"llm_model,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Outcome tags the result of an insert-if-absent lookup.
type Outcome int

const (
	// Created means no row existed and one was inserted.
	Created Outcome = iota + 1
	// Existing means a stored row was fetched and left untouched.
	Existing
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Existing:
		return "existing"
	default:
		return "unknown"
	}
}

// Resolution is the tagged result of resolving an identity: the canonical
// stored record and whether it was just created or already present.
type Resolution[T any] struct {
	Record  T
	Outcome Outcome
}

// Created reports whether the record was inserted by this resolution.
func (r Resolution[T]) Created() bool { return r.Outcome == Created }

// Existing reports whether the record was already stored.
func (r Resolution[T]) Existing() bool { return r.Outcome == Existing }
