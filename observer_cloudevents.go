package svcregistry

import (
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience
type CloudEvent = cloudevents.Event

// EventSource is the CloudEvents source attribute of events emitted by a
// ServiceContext.
const EventSource = "svcregistry"

// NewCloudEvent creates a new CloudEvent with the specified parameters.
func NewCloudEvent(eventType, source string, data any, extensions map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()

	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}

	for key, value := range extensions {
		event.SetExtension(key, value)
	}

	return event
}

// generateEventID generates a time-ordered unique identifier using UUIDv7.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent validates that a CloudEvent conforms to the specification.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

// ServiceEventData is the JSON payload of service lifecycle events.
type ServiceEventData struct {
	ID         uint64         `json:"id"`
	Contract   string         `json:"contract"`
	Owner      string         `json:"owner,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// TrackerEventData is the JSON payload of tracker lifecycle events.
type TrackerEventData struct {
	TrackerID string `json:"trackerId"`
	Contract  string `json:"contract"`
	Filter    string `json:"filter,omitempty"`
	Tracked   int    `json:"tracked"`
}
