package kafka

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

const EnvelopeSchemaVersion = 1

// Envelope is the common wrapper for every event published by the exchange.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	SchemaVersion int       `json:"schema_version"`
	OccurredAt    time.Time `json:"occurred_at"`
	Payload       any       `json:"payload"`
}

func NewEnvelope(eventType string, payload any) Envelope {
	return NewEnvelopeWithID(uuid.NewString(), eventType, payload)
}

func NewEnvelopeWithID(eventID, eventType string, payload any) Envelope {
	return Envelope{
		EventID:       eventID,
		EventType:     eventType,
		SchemaVersion: EnvelopeSchemaVersion,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

// DeterministicEventID derives a stable event identifier from the event type
// and its identifying parts, so retried publishes keep the same event id.
func DeterministicEventID(eventType string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// DeadLetter wraps an event that could not be delivered to its topic so
// the original payload survives on the dead-letter topic for replay.
type DeadLetter struct {
	SourceTopic string    `json:"source_topic"`
	Key         string    `json:"key"`
	Value       any       `json:"value"`
	Error       string    `json:"error"`
	FailedAt    time.Time `json:"failed_at"`
}

func NewDeadLetter(sourceTopic, key string, value any, cause error) DeadLetter {
	d := DeadLetter{
		SourceTopic: sourceTopic,
		Key:         key,
		Value:       value,
		FailedAt:    time.Now().UTC(),
	}
	if cause != nil {
		d.Error = cause.Error()
	}
	return d
}
