package r5

import "strings"

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       bool         `json:"active,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate    string       `json:"birthDate,omitempty"`
}

// GivenName returns the given names of the official name joined by spaces.
func (p *Patient) GivenName() string {
	if n := officialName(p.Name); n != nil {
		return strings.Join(n.Given, " ")
	}
	return ""
}

// FamilyName returns the family name of the official name.
func (p *Patient) FamilyName() string {
	if n := officialName(p.Name); n != nil {
		return n.Family
	}
	return ""
}

// GetMRN returns the identifier typed MR, or the one in the MRN system.
func (p *Patient) GetMRN() string {
	for _, id := range p.Identifier {
		if id.HasTypeCode("MR") {
			return id.Value
		}
	}
	for _, id := range p.Identifier {
		if id.System == SystemMRN {
			return id.Value
		}
	}
	return ""
}

// Practitioner represents a FHIR R5 Practitioner resource.
type Practitioner struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       bool         `json:"active,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
}

// GetNPI returns the practitioner's NPI.
func (p *Practitioner) GetNPI() string {
	for _, id := range p.Identifier {
		if id.System == SystemNPI {
			return id.Value
		}
	}
	return ""
}

// GetFullName returns the practitioner's name as a single string.
func (p *Practitioner) GetFullName() string {
	name := officialName(p.Name)
	if name == nil {
		return ""
	}
	if name.Text != "" {
		return name.Text
	}
	parts := make([]string, 0, len(name.Prefix)+len(name.Given)+1)
	parts = append(parts, name.Prefix...)
	parts = append(parts, name.Given...)
	if name.Family != "" {
		parts = append(parts, name.Family)
	}
	full := strings.Join(parts, " ")
	for _, suffix := range name.Suffix {
		full += ", " + suffix
	}
	return full
}

// Condition represents a FHIR R5 Condition resource. Only the coded
// diagnosis and its rank are used.
type Condition struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Subject      Reference         `json:"subject"`
	Category     []CodeableConcept `json:"category,omitempty"`
	Code         *CodeableConcept  `json:"code,omitempty"`
	Extension    []Extension       `json:"extension,omitempty"`
}

// ICD10 returns the ICD-10 code, or the concept text when none is coded.
func (c *Condition) ICD10() string {
	if code := c.Code.Code(SystemICD10); code != "" {
		return code
	}
	return c.Code.Display()
}

// IsPrimary reports whether the condition is categorised as the primary
// diagnosis for the order.
func (c *Condition) IsPrimary() bool {
	for _, cat := range c.Category {
		for _, cd := range cat.Coding {
			if cd.Code == ConditionPrimary {
				return true
			}
		}
	}
	return false
}

// ConditionPrimary marks the primary diagnosis category.
const ConditionPrimary = "primary-diagnosis"

// Extension represents a FHIR extension.
type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
}
