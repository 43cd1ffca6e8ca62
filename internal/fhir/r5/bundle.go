package r5

import (
	"encoding/json"
	"fmt"
)

// Bundle types
const (
	BundleCollection  = "collection"
	BundleTransaction = "transaction"
	BundleDocument    = "document"
)

// Bundle is a container for a set of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource, kept raw until its type is known.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// ResourceType reads the resourceType discriminator of the entry.
func (e BundleEntry) ResourceType() (string, error) {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(e.Resource, &probe); err != nil {
		return "", fmt.Errorf("decode entry %q: %w", e.FullURL, err)
	}
	return probe.ResourceType, nil
}

// Decode unmarshals the entry resource into v.
func (e BundleEntry) Decode(v any) error {
	if err := json.Unmarshal(e.Resource, v); err != nil {
		return fmt.Errorf("decode entry %q: %w", e.FullURL, err)
	}
	return nil
}

// NewEntry marshals resource into a bundle entry.
func NewEntry(fullURL string, resource any) (BundleEntry, error) {
	raw, err := json.Marshal(resource)
	if err != nil {
		return BundleEntry{}, fmt.Errorf("encode entry %q: %w", fullURL, err)
	}
	return BundleEntry{FullURL: fullURL, Resource: raw}, nil
}
