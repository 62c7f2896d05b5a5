// Package propagation owns the propagation lifecycle: the state table, the
// labels views show for each state, validation of source data, and the
// transitions that move a record forward or convert it into a plant.
//
// The machine never touches storage. Mutations return the new record and,
// for conversion, a command the caller executes against its store.
package propagation

import (
	"fmt"
	"time"

	"github.com/verdant/plantcare/internal/schedule"
)

// Status is a lifecycle state.
type Status string

const (
	StatusStarted Status = "started"
	StatusRooting Status = "rooting"
	StatusReady   Status = "ready"
	StatusPlanted Status = "planted"
)

// Stage describes one lifecycle state for display.
type Stage struct {
	Status      Status
	Label       string
	Description string
	Color       string // hex, for views
	Next        Status // empty for the terminal state
}

// stages is the single transition table. Order is lifecycle order.
var stages = []Stage{
	{StatusStarted, "Started", "Cutting taken, not yet rooting", "#9CA3AF", StatusRooting},
	{StatusRooting, "Rooting", "Roots are developing", "#F59E0B", StatusReady},
	{StatusReady, "Ready", "Roots established, ready to pot", "#10B981", StatusPlanted},
	{StatusPlanted, "Planted", "Potted up as an independent plant", "#3B82F6", ""},
}

// Stages returns the lifecycle table in order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

func (s Status) stage() (Stage, int, bool) {
	for i, st := range stages {
		if st.Status == s {
			return st, i, true
		}
	}
	return Stage{}, -1, false
}

// Valid reports whether s is a lifecycle state.
func (s Status) Valid() bool {
	_, _, ok := s.stage()
	return ok
}

// Index returns the position of s in the lifecycle, or -1.
func (s Status) Index() int {
	_, i, _ := s.stage()
	return i
}

// Next returns the state after s. ok is false for the terminal state and
// for unknown states.
func (s Status) Next() (next Status, ok bool) {
	st, _, found := s.stage()
	if !found || st.Next == "" {
		return "", false
	}
	return st.Next, true
}

// Label returns the display label for s.
func (s Status) Label() string {
	if st, _, ok := s.stage(); ok {
		return st.Label
	}
	return string(s)
}

// Color returns the display colour for s.
func (s Status) Color() string {
	if st, _, ok := s.stage(); ok {
		return st.Color
	}
	return "#6B7280"
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// SourceType says where a propagation came from.
type SourceType string

const (
	SourceInternal SourceType = "internal" // cut from a plant in the collection
	SourceExternal SourceType = "external" // acquired from outside
)

// Record is a propagation as stored.
type Record struct {
	ID                    int64      `json:"id"`
	UserID                int64      `json:"user_id"`
	PlantID               int64      `json:"plant_id"`
	Nickname              string     `json:"nickname,omitempty"`
	Location              string     `json:"location,omitempty"`
	Status                Status     `json:"status"`
	SourceType            SourceType `json:"source_type"`
	ParentInstanceID      *int64     `json:"parent_instance_id,omitempty"`
	ExternalSource        string     `json:"external_source,omitempty"`
	ExternalSourceDetails string     `json:"external_source_details,omitempty"`
	DateStarted           time.Time  `json:"date_started"`
	Notes                 string     `json:"notes,omitempty"`
	Converted             bool       `json:"converted"`
	ConvertedAt           *time.Time `json:"converted_at,omitempty"`
	ConvertedInstanceID   *int64     `json:"converted_instance_id,omitempty"`
	Version               int64      `json:"version"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Validate enforces the status and source invariants.
func Validate(r Record) error {
	if !r.Status.Valid() {
		return fmt.Errorf("propagation %d: %w: %q", r.ID, ErrUnknownStatus, r.Status)
	}
	switch r.SourceType {
	case SourceInternal:
		if r.ParentInstanceID == nil {
			return &SourceConfigError{ID: r.ID, Rule: "internal propagation requires a parent plant"}
		}
		if r.ExternalSource != "" || r.ExternalSourceDetails != "" {
			return &SourceConfigError{ID: r.ID, Rule: "internal propagation cannot carry external source fields"}
		}
	case SourceExternal:
		if r.ExternalSource == "" {
			return &SourceConfigError{ID: r.ID, Rule: "external propagation requires an external source"}
		}
		if r.ParentInstanceID != nil {
			return &SourceConfigError{ID: r.ID, Rule: "external propagation cannot reference a parent plant"}
		}
	default:
		return &SourceConfigError{ID: r.ID, Rule: fmt.Sprintf("unknown source type %q", r.SourceType)}
	}
	return nil
}

// New validates a record for creation. An empty status starts the
// lifecycle at StatusStarted.
func New(r Record) (Record, error) {
	if r.Status == "" {
		r.Status = StatusStarted
	}
	if r.DateStarted.IsZero() {
		r.DateStarted = time.Now().UTC()
	}
	if r.Converted {
		return Record{}, &TransitionError{ID: r.ID, From: r.Status, Reason: "cannot create an already converted propagation"}
	}
	if err := Validate(r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// CreatePlantInstanceCommand asks the store to create the plant a
// propagation became.
type CreatePlantInstanceCommand struct {
	PropagationID    int64  `json:"propagation_id"`
	UserID           int64  `json:"user_id"`
	PlantID          int64  `json:"plant_id"`
	Nickname         string `json:"nickname"`
	Location         string `json:"location,omitempty"`
	Schedule         string `json:"fertilizer_schedule"`
	ParentInstanceID *int64 `json:"parent_instance_id,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// Lifecycle applies transitions under a conversion policy.
type Lifecycle struct {
	// ConvertFrom is the earliest state conversion is allowed from.
	ConvertFrom Status

	// Schedule is the cadence given to converted plants.
	Schedule string
}

// DefaultLifecycle converts only fully planted propagations.
func DefaultLifecycle() Lifecycle {
	return Lifecycle{
		ConvertFrom: StatusPlanted,
		Schedule:    schedule.DefaultInterval.String(),
	}
}

func (l Lifecycle) convertFrom() Status {
	if l.ConvertFrom == StatusReady {
		return StatusReady
	}
	return StatusPlanted
}

// Advance moves r one state forward.
func (l Lifecycle) Advance(r Record) (Record, error) {
	if err := Validate(r); err != nil {
		return Record{}, err
	}
	if r.Converted {
		return Record{}, &TransitionError{ID: r.ID, From: r.Status, Reason: "propagation already converted"}
	}
	next, ok := r.Status.Next()
	if !ok {
		return Record{}, &TransitionError{ID: r.ID, From: r.Status, Reason: "terminal state"}
	}
	out := r
	out.Status = next
	if err := Validate(out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// Override sets r to any status, forward or back. This is the
// administrative correction path and is not part of the normal lifecycle.
func (l Lifecycle) Override(r Record, to Status) (Record, error) {
	if !to.Valid() {
		return Record{}, fmt.Errorf("propagation %d: %w: %q", r.ID, ErrUnknownStatus, to)
	}
	if err := Validate(r); err != nil {
		return Record{}, err
	}
	if r.Converted {
		return Record{}, fmt.Errorf("propagation %d: %w", r.ID, ErrAlreadyConverted)
	}
	out := r
	out.Status = to
	return out, nil
}

// Convert marks r as converted and returns the command that creates the
// new plant instance. The status is left unchanged.
func (l Lifecycle) Convert(r Record, now time.Time) (Record, CreatePlantInstanceCommand, error) {
	if err := Validate(r); err != nil {
		return Record{}, CreatePlantInstanceCommand{}, err
	}
	if r.Converted {
		return Record{}, CreatePlantInstanceCommand{}, fmt.Errorf("propagation %d: %w", r.ID, ErrAlreadyConverted)
	}
	from := l.convertFrom()
	if r.Status.Index() < from.Index() {
		return Record{}, CreatePlantInstanceCommand{}, &NotReadyError{ID: r.ID, Status: r.Status, Required: from}
	}

	sched := l.Schedule
	if sched == "" {
		sched = schedule.DefaultInterval.String()
	}
	nickname := r.Nickname
	if nickname == "" {
		nickname = fmt.Sprintf("Propagation #%d", r.ID)
	}

	cmd := CreatePlantInstanceCommand{
		PropagationID:    r.ID,
		UserID:           r.UserID,
		PlantID:          r.PlantID,
		Nickname:         nickname,
		Location:         r.Location,
		Schedule:         schedule.Canonical(sched),
		ParentInstanceID: r.ParentInstanceID,
		Notes:            fmt.Sprintf("Converted from propagation #%d started %s", r.ID, r.DateStarted.Format("2006-01-02")),
	}

	out := r
	out.Converted = true
	at := now
	out.ConvertedAt = &at
	return out, cmd, nil
}
