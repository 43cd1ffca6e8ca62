package intake

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// RawInput is an unvalidated submission keyed by field name.
type RawInput map[string]string

// Submission field names.
const (
	FieldProviderName        = "provider_name"
	FieldProviderNPI         = "provider_npi"
	FieldPatientFirstName    = "patient_first_name"
	FieldPatientLastName     = "patient_last_name"
	FieldPatientMRN          = "patient_mrn"
	FieldPatientDOB          = "patient_dob"
	FieldMedicationName      = "medication_name"
	FieldOrderDate           = "order_date"
	FieldPrimaryDiagnosis    = "primary_diagnosis_icd10"
	FieldAdditionalDiagnoses = "additional_diagnoses"
	FieldMedicationHistory   = "medication_history"
	FieldPatientRecordsText  = "patient_records_text"
)

// NPILength is the fixed length of a National Provider Identifier.
const NPILength = 10

// MRNPolicy bounds the accepted MRN length in digits.
type MRNPolicy struct {
	MinLength int
	MaxLength int
}

// DefaultMRNPolicy accepts exactly six digits.
func DefaultMRNPolicy() MRNPolicy {
	return MRNPolicy{MinLength: 6, MaxLength: 6}
}

// Validate checks the policy bounds themselves.
func (p MRNPolicy) Validate() error {
	if p.MinLength <= 0 || p.MaxLength < p.MinLength {
		return fmt.Errorf("invalid MRN length policy %d-%d", p.MinLength, p.MaxLength)
	}
	return nil
}

func (p MRNPolicy) describe() string {
	if p.MinLength == p.MaxLength {
		return fmt.Sprintf("exactly %d digits", p.MinLength)
	}
	return fmt.Sprintf("%d to %d digits", p.MinLength, p.MaxLength)
}

// Submission is a structurally valid, normalized order submission.
type Submission struct {
	ProviderName        string
	ProviderNPI         string
	PatientFirstName    string
	PatientLastName     string
	PatientMRN          string
	PatientDOB          *time.Time
	MedicationName      string
	OrderDate           time.Time
	PrimaryDiagnosis    string
	AdditionalDiagnoses []string
	MedicationHistory   []string
	PatientRecordsText  string
}

// Validator normalizes raw submissions. The zero value is not usable; build
// one with NewValidator.
type Validator struct {
	mrn MRNPolicy
	now func() time.Time
}

// NewValidator creates a validator. A nil clock uses time.Now.
func NewValidator(mrn MRNPolicy, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{mrn: mrn, now: now}
}

// Validate runs every field validator and reports all failures together.
func (v *Validator) Validate(in RawInput) (*Submission, error) {
	var errs ValidationErrors
	collect := func(s string, err error) string {
		if err != nil {
			errs = append(errs, err)
		}
		return s
	}
	today := v.today()

	sub := &Submission{
		ProviderName:        collect(RequireText(FieldProviderName, in[FieldProviderName], 200)),
		ProviderNPI:         collect(ValidateNPI(in[FieldProviderNPI])),
		PatientFirstName:    collect(RequireText(FieldPatientFirstName, in[FieldPatientFirstName], 100)),
		PatientLastName:     collect(RequireText(FieldPatientLastName, in[FieldPatientLastName], 100)),
		PatientMRN:          collect(ValidateMRN(in[FieldPatientMRN], v.mrn)),
		MedicationName:      collect(RequireText(FieldMedicationName, in[FieldMedicationName], 200)),
		PrimaryDiagnosis:    collect(RequireText(FieldPrimaryDiagnosis, in[FieldPrimaryDiagnosis], 10)),
		PatientRecordsText:  collect(RequireText(FieldPatientRecordsText, in[FieldPatientRecordsText], 0)),
		AdditionalDiagnoses: SplitList(in[FieldAdditionalDiagnoses]),
		MedicationHistory:   SplitList(in[FieldMedicationHistory]),
	}

	if d, err := ValidateOrderDate(in[FieldOrderDate], today); err != nil {
		errs = append(errs, err)
	} else {
		sub.OrderDate = d
	}

	if strings.TrimSpace(in[FieldPatientDOB]) != "" {
		if d, err := ValidatePastDate(FieldPatientDOB, in[FieldPatientDOB], today); err != nil {
			errs = append(errs, err)
		} else {
			sub.PatientDOB = &d
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return sub, nil
}

func (v *Validator) today() time.Time {
	now := v.now().Local()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// ValidateNPI trims raw and requires exactly ten digits.
func ValidateNPI(raw string) (string, error) {
	npi := strings.TrimSpace(raw)
	if len(npi) != NPILength || !digitsOnly(npi) {
		return "", &FormatError{Field: FieldProviderNPI, Message: "NPI must be exactly 10 digits"}
	}
	return npi, nil
}

// ValidateMRN trims raw and requires a digit string within the policy bounds.
func ValidateMRN(raw string, policy MRNPolicy) (string, error) {
	mrn := strings.TrimSpace(raw)
	if !digitsOnly(mrn) || len(mrn) < policy.MinLength || len(mrn) > policy.MaxLength {
		return "", &FormatError{Field: FieldPatientMRN, Message: "MRN must be " + policy.describe()}
	}
	return mrn, nil
}

// ValidateOrderDate parses an order date that must not be after today.
func ValidateOrderDate(raw string, today time.Time) (time.Time, error) {
	return ValidatePastDate(FieldOrderDate, raw, today)
}

// ValidatePastDate parses a YYYY-MM-DD date for field and rejects dates
// strictly after today.
func ValidatePastDate(field, raw string, today time.Time) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, &FormatError{Field: field, Message: "enter a valid date (YYYY-MM-DD)"}
	}
	if d.After(today) {
		return time.Time{}, &FutureDateError{Field: field, Date: d, Today: today}
	}
	return d, nil
}

// RequireText trims raw and requires a non-empty value of at most maxLen
// characters. A maxLen of zero means unbounded.
func RequireText(field, raw string, maxLen int) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &FormatError{Field: field, Message: "this field is required"}
	}
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		return "", &FormatError{Field: field, Message: fmt.Sprintf("must be at most %d characters", maxLen)}
	}
	return s, nil
}

// SplitList splits a comma separated value, trimming elements and dropping
// empty ones. Order is preserved and duplicates are kept.
func SplitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
