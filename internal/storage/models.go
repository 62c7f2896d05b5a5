// Package storage provides SQLite persistence for plants, care history,
// propagations and the offline care queue.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a propagation changed since the
	// caller read it.
	ErrVersionConflict = errors.New("version conflict")
)

// Plant is a species or cultivar in the catalogue
type Plant struct {
	ID             int64     `json:"id"`
	CommonName     string    `json:"common_name"`
	ScientificName string    `json:"scientific_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stats summarises table sizes
type Stats struct {
	Plants         int `json:"plants"`
	Instances      int `json:"instances"`
	CareRecords    int `json:"care_records"`
	Propagations   int `json:"propagations"`
	Converted      int `json:"converted"`
	PendingQueued  int `json:"pending_queued"`
	PendingFailed  int `json:"pending_failed"`
	PendingSyncing int `json:"pending_syncing"`
}
