package r5

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"` // proposal | plan | order | original-order | ...

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`

	// AuthoredOn is a FHIR date or dateTime
	AuthoredOn string     `json:"authoredOn,omitempty"`
	Requester  *Reference `json:"requester,omitempty"`

	Reason []CodeableReference `json:"reason,omitempty"`
	Note   []Annotation        `json:"note,omitempty"`

	Extension []Extension `json:"extension,omitempty"`
}

// Extension URLs carried on MedicationRequest.
const (
	ExtensionMedicationHistory = "http://careplan.example.org/fhir/StructureDefinition/medication-history"
	ExtensionDuplicateWarning  = "http://careplan.example.org/fhir/StructureDefinition/duplicate-warning"
)

// Request statuses
const (
	StatusActive = "active"
	IntentOrder  = "order"
)

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	return m.Medication.Concept.Display()
}

// GetPrescriberNPI returns the NPI on the requester reference.
func (m *MedicationRequest) GetPrescriberNPI() string {
	if m.Requester == nil || m.Requester.Identifier == nil {
		return ""
	}
	if m.Requester.Identifier.System == SystemNPI {
		return m.Requester.Identifier.Value
	}
	return ""
}

// ExtensionValues returns the string values of extensions with url.
func (m *MedicationRequest) ExtensionValues(url string) []string {
	var out []string
	for _, e := range m.Extension {
		if e.URL == url && e.ValueString != "" {
			out = append(out, e.ValueString)
		}
	}
	return out
}

// NoteText joins the annotation texts with blank lines.
func (m *MedicationRequest) NoteText() string {
	text := ""
	for _, n := range m.Note {
		if n.Text == "" {
			continue
		}
		if text != "" {
			text += "\n\n"
		}
		text += n.Text
	}
	return text
}

// ReferenceID extracts the id from "Patient/123" or "urn:uuid:123".
func ReferenceID(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
