package intake

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event emitted by intake.
type EventType string

const (
	// EventOrderAccepted is emitted once per committed order.
	EventOrderAccepted EventType = "OrderAccepted"
)

// AggregateOrder is the aggregate type of order events.
const AggregateOrder = "Order"

// Event is a domain event written in the same unit of work as the state it
// describes.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent serializes data into a new order event.
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateOrder,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// OrderAcceptedData is the payload of EventOrderAccepted.
type OrderAcceptedData struct {
	OrderID        string `json:"order_id"`
	PatientMRN     string `json:"patient_mrn"`
	ProviderNPI    string `json:"provider_npi"`
	MedicationName string `json:"medication_name"`
	OrderDate      string `json:"order_date"`
	DuplicateFlag  bool   `json:"duplicate_flag"`
	Reason         string `json:"reason,omitempty"`
}

// DecodeOrderAccepted parses an OrderAccepted payload.
func DecodeOrderAccepted(data []byte) (*OrderAcceptedData, error) {
	var d OrderAcceptedData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
