package care

import (
	"sort"
	"time"
)

// Instance is the care-relevant view of a plant instance.
type Instance struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	PlantID        int64      `json:"plant_id"`
	Nickname       string     `json:"nickname"`
	Location       string     `json:"location,omitempty"`
	Schedule       string     `json:"fertilizer_schedule"`
	LastFertilized *time.Time `json:"last_fertilized,omitempty"`
	LastRepot      *time.Time `json:"last_repot,omitempty"`
}

// CareState returns the classifier input for the instance at now.
func (in Instance) CareState(now time.Time) CareState {
	return CareState{
		LastCareAt: in.LastFertilized,
		Schedule:   in.Schedule,
		Now:        now,
	}
}

// Entry pairs an instance with its classification.
type Entry struct {
	Instance Instance `json:"instance"`
	Status   Status   `json:"status"`
}

// Counts summarises a dashboard.
type Counts struct {
	Total    int `json:"total"`
	Overdue  int `json:"overdue"`
	DueToday int `json:"due_today"`
	DueSoon  int `json:"due_soon"`
	Healthy  int `json:"healthy"`
	Unknown  int `json:"unknown"`
}

// Dashboard groups a collection by urgency.
type Dashboard struct {
	GeneratedAt time.Time `json:"generated_at"`
	Overdue     []Entry   `json:"overdue"`
	DueToday    []Entry   `json:"due_today"`
	DueSoon     []Entry   `json:"due_soon"`
	Healthy     []Entry   `json:"healthy"`
	Unknown     []Entry   `json:"unknown"`
	Counts      Counts    `json:"counts"`
}

// NeedsAttention returns the overdue, due-today and due-soon entries in
// that order.
func (d Dashboard) NeedsAttention() []Entry {
	out := make([]Entry, 0, len(d.Overdue)+len(d.DueToday)+len(d.DueSoon))
	out = append(out, d.Overdue...)
	out = append(out, d.DueToday...)
	return append(out, d.DueSoon...)
}

// Aggregate classifies every instance at now and buckets the results.
// Buckets are ordered by days until due, then by instance ID, so the same
// snapshot always yields the same dashboard.
func Aggregate(instances []Instance, now time.Time, th Thresholds) Dashboard {
	d := Dashboard{GeneratedAt: now}
	for _, in := range instances {
		e := Entry{Instance: in, Status: Classify(in.CareState(now), th)}
		switch e.Status.Urgency {
		case UrgencyOverdue:
			d.Overdue = append(d.Overdue, e)
		case UrgencyDueToday:
			d.DueToday = append(d.DueToday, e)
		case UrgencyDueSoon:
			d.DueSoon = append(d.DueSoon, e)
		case UrgencyHealthy:
			d.Healthy = append(d.Healthy, e)
		default:
			d.Unknown = append(d.Unknown, e)
		}
	}

	for _, bucket := range [][]Entry{d.Overdue, d.DueToday, d.DueSoon, d.Healthy, d.Unknown} {
		sortEntries(bucket)
	}

	d.Counts = Counts{
		Total:    len(instances),
		Overdue:  len(d.Overdue),
		DueToday: len(d.DueToday),
		DueSoon:  len(d.DueSoon),
		Healthy:  len(d.Healthy),
		Unknown:  len(d.Unknown),
	}
	return d
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Status.DaysUntilDue, entries[j].Status.DaysUntilDue
		if di != nil && dj != nil && *di != *dj {
			return *di < *dj
		}
		return entries[i].Instance.ID < entries[j].Instance.ID
	})
}
