package care

import (
	"errors"
	"fmt"
	"time"
)

// EventType names a kind of care event.
type EventType string

const (
	EventFertilize EventType = "fertilize"
	EventRepot     EventType = "repot"
	EventWater     EventType = "water"
	EventPrune     EventType = "prune"
	EventOther     EventType = "other"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventFertilize, EventRepot, EventWater, EventPrune, EventOther:
		return true
	}
	return false
}

// ErrInvalidEvent is returned for care requests that cannot be stored.
var ErrInvalidEvent = errors.New("invalid care event")

// LogRequest is a care event as submitted by the UI, online or offline.
type LogRequest struct {
	UserID          int64     `json:"user_id"`
	PlantInstanceID int64     `json:"plant_instance_id"`
	Type            EventType `json:"care_type"`
	CareDate        time.Time `json:"care_date"`
	Notes           string    `json:"notes,omitempty"`
}

// Validate checks the request fields.
func (r LogRequest) Validate() error {
	if r.PlantInstanceID <= 0 {
		return fmt.Errorf("%w: plant instance id %d", ErrInvalidEvent, r.PlantInstanceID)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: care type %q", ErrInvalidEvent, r.Type)
	}
	if r.CareDate.IsZero() {
		return fmt.Errorf("%w: care date missing", ErrInvalidEvent)
	}
	return nil
}

// Record is a stored care event.
type Record struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	PlantInstanceID int64     `json:"plant_instance_id"`
	Type            EventType `json:"care_type"`
	CareDate        time.Time `json:"care_date"`
	Notes           string    `json:"notes,omitempty"`
	IdempotencyKey  string    `json:"idempotency_key"`
	CreatedAt       time.Time `json:"created_at"`
}

// ClampCareDate pulls a care date that lies more than skew in the future
// back to now. The second result reports whether clamping happened.
func ClampCareDate(date, now time.Time, skew time.Duration) (time.Time, bool) {
	if date.After(now.Add(skew)) {
		return now, true
	}
	return date, false
}
