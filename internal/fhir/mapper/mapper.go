// Package mapper converts between FHIR R5 bundles and intake records.
package mapper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-careplan/internal/domain/intake"
	"github.com/drfirst/go-careplan/internal/fhir/r5"
)

// ErrInvalidBundle is returned for bundles that cannot describe one order.
var ErrInvalidBundle = errors.New("invalid order bundle")

const (
	categoryPrimary   = r5.ConditionPrimary
	categorySecondary = "secondary-diagnosis"
)

// FromBundle extracts the raw intake fields from a bundle holding one
// Patient, one Practitioner and one MedicationRequest plus any Conditions.
// Values are copied verbatim; validation happens in the intake service.
func FromBundle(b *r5.Bundle) (intake.RawInput, error) {
	if b == nil || b.ResourceType != r5.ResourceBundle {
		return nil, fmt.Errorf("%w: resourceType must be Bundle", ErrInvalidBundle)
	}

	var (
		patient      *r5.Patient
		practitioner *r5.Practitioner
		request      *r5.MedicationRequest
		conditions   []r5.Condition
	)
	for _, e := range b.Entry {
		rt, err := e.ResourceType()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}
		switch rt {
		case r5.ResourcePatient:
			if patient != nil {
				return nil, fmt.Errorf("%w: more than one Patient", ErrInvalidBundle)
			}
			patient = &r5.Patient{}
			err = e.Decode(patient)
		case r5.ResourcePractitioner:
			if practitioner != nil {
				return nil, fmt.Errorf("%w: more than one Practitioner", ErrInvalidBundle)
			}
			practitioner = &r5.Practitioner{}
			err = e.Decode(practitioner)
		case r5.ResourceMedicationRequest:
			if request != nil {
				return nil, fmt.Errorf("%w: more than one MedicationRequest", ErrInvalidBundle)
			}
			request = &r5.MedicationRequest{}
			err = e.Decode(request)
		case r5.ResourceCondition:
			var c r5.Condition
			if err = e.Decode(&c); err == nil {
				conditions = append(conditions, c)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}
	}

	switch {
	case patient == nil:
		return nil, fmt.Errorf("%w: missing Patient", ErrInvalidBundle)
	case request == nil:
		return nil, fmt.Errorf("%w: missing MedicationRequest", ErrInvalidBundle)
	}

	in := intake.RawInput{
		intake.FieldPatientFirstName:   patient.GivenName(),
		intake.FieldPatientLastName:    patient.FamilyName(),
		intake.FieldPatientMRN:         patient.GetMRN(),
		intake.FieldMedicationName:     request.GetMedicationDisplay(),
		intake.FieldOrderDate:          datePart(request.AuthoredOn),
		intake.FieldMedicationHistory:  strings.Join(request.ExtensionValues(r5.ExtensionMedicationHistory), ","),
		intake.FieldPatientRecordsText: request.NoteText(),
	}
	if patient.BirthDate != "" {
		in[intake.FieldPatientDOB] = patient.BirthDate
	}

	in[intake.FieldProviderNPI] = request.GetPrescriberNPI()
	if practitioner != nil {
		in[intake.FieldProviderName] = practitioner.GetFullName()
		if npi := practitioner.GetNPI(); npi != "" {
			in[intake.FieldProviderNPI] = npi
		}
	} else if request.Requester != nil {
		in[intake.FieldProviderName] = request.Requester.Display
	}

	primary, additional := diagnoses(conditions, request)
	in[intake.FieldPrimaryDiagnosis] = primary
	in[intake.FieldAdditionalDiagnoses] = strings.Join(additional, ",")
	return in, nil
}

// diagnoses picks the primary-categorised Condition, else the first one,
// else the first coded reason on the request.
func diagnoses(conditions []r5.Condition, req *r5.MedicationRequest) (string, []string) {
	primaryIdx := -1
	for i := range conditions {
		if conditions[i].IsPrimary() {
			primaryIdx = i
			break
		}
	}
	if primaryIdx < 0 && len(conditions) > 0 {
		primaryIdx = 0
	}

	var primary string
	var additional []string
	for i := range conditions {
		code := conditions[i].ICD10()
		if i == primaryIdx {
			primary = code
			continue
		}
		if code != "" {
			additional = append(additional, code)
		}
	}
	if primaryIdx < 0 {
		for _, r := range req.Reason {
			if code := r.Concept.Code(r5.SystemICD10); code != "" {
				return code, nil
			}
		}
	}
	return primary, additional
}

// datePart keeps the calendar date of a FHIR dateTime.
func datePart(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > len(intake.DateLayout) && v[len(intake.DateLayout)] == 'T' {
		return v[:len(intake.DateLayout)]
	}
	return v
}

// ToBundle exports a committed order as a collection bundle.
func ToBundle(rec *intake.OrderRecord) (*r5.Bundle, error) {
	if rec == nil {
		return nil, errors.New("order record is required")
	}
	o, p, pr := rec.Order, rec.Patient, rec.Provider

	patientURL := "urn:uuid:" + p.ID.String()
	providerURL := "urn:uuid:" + pr.ID.String()

	patient := &r5.Patient{
		ResourceType: r5.ResourcePatient,
		ID:           p.ID.String(),
		Active:       true,
		Identifier: []r5.Identifier{{
			Use:    "usual",
			Type:   &r5.CodeableConcept{Coding: []r5.Coding{{System: r5.SystemV2Type, Code: "MR"}}},
			System: r5.SystemMRN,
			Value:  p.MRN,
		}},
		Name: []r5.HumanName{{Use: "official", Family: p.LastName, Given: []string{p.FirstName}}},
	}
	if p.DateOfBirth != nil {
		patient.BirthDate = p.DateOfBirth.Format(intake.DateLayout)
	}

	practitioner := &r5.Practitioner{
		ResourceType: r5.ResourcePractitioner,
		ID:           pr.ID.String(),
		Active:       true,
		Identifier:   []r5.Identifier{{System: r5.SystemNPI, Value: pr.NPI}},
		Name:         []r5.HumanName{{Use: "official", Text: pr.Name}},
	}

	request := &r5.MedicationRequest{
		ResourceType: r5.ResourceMedicationRequest,
		ID:           o.ID.String(),
		Status:       r5.StatusActive,
		Intent:       r5.IntentOrder,
		Medication:   r5.CodeableReference{Concept: &r5.CodeableConcept{Text: o.MedicationName}},
		Subject:      r5.Reference{Reference: patientURL},
		AuthoredOn:   o.OrderDate.Format(intake.DateLayout),
		Requester: &r5.Reference{
			Reference:  providerURL,
			Display:    pr.Name,
			Identifier: &r5.Identifier{System: r5.SystemNPI, Value: pr.NPI},
		},
		Reason: []r5.CodeableReference{{Concept: &r5.CodeableConcept{
			Coding: []r5.Coding{{System: r5.SystemICD10, Code: o.PrimaryDiagnosis}},
		}}},
	}
	if o.PatientRecordsText != "" {
		request.Note = []r5.Annotation{{Time: o.CreatedAt.UTC().Format(time.RFC3339), Text: o.PatientRecordsText}}
	}
	for _, m := range o.MedicationHistory {
		request.Extension = append(request.Extension, r5.Extension{URL: r5.ExtensionMedicationHistory, ValueString: m})
	}
	if o.Reason != "" {
		request.Extension = append(request.Extension, r5.Extension{URL: r5.ExtensionDuplicateWarning, ValueString: o.Reason})
	}

	type entry struct {
		url string
		res any
	}
	entries := []entry{
		{patientURL, patient},
		{providerURL, practitioner},
		{"urn:uuid:" + o.ID.String(), request},
		{"", condition(patientURL, o.PrimaryDiagnosis, categoryPrimary)},
	}
	for _, code := range o.AdditionalDiagnoses {
		entries = append(entries, entry{"", condition(patientURL, code, categorySecondary)})
	}

	b := &r5.Bundle{
		ResourceType: r5.ResourceBundle,
		ID:           o.ID.String(),
		Type:         r5.BundleCollection,
		Timestamp:    o.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, e := range entries {
		be, err := r5.NewEntry(e.url, e.res)
		if err != nil {
			return nil, err
		}
		b.Entry = append(b.Entry, be)
	}
	return b, nil
}

func condition(subject, code, category string) *r5.Condition {
	return &r5.Condition{
		ResourceType: r5.ResourceCondition,
		Subject:      r5.Reference{Reference: subject},
		Category:     []r5.CodeableConcept{{Coding: []r5.Coding{{Code: category}}}},
		Code:         &r5.CodeableConcept{Coding: []r5.Coding{{System: r5.SystemICD10, Code: code}}},
	}
}
