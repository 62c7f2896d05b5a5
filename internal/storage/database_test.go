package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/verdant/plantcare/internal/care"
	"github.com/verdant/plantcare/internal/offline"
	"github.com/verdant/plantcare/internal/propagation"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "plantcare-test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp db: %v", err)
	}
	tmpFile.Close()

	db, err := Open(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpFile.Name())
	})
	return db
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// seedInstance creates a plant and one instance of it.
func seedInstance(t *testing.T, db *DB, sched string, lastFertilized *time.Time) care.Instance {
	t.Helper()
	ctx := context.Background()

	plantID, err := db.CreatePlant(ctx, &Plant{CommonName: "Monstera", ScientificName: "Monstera deliciosa"})
	if err != nil {
		t.Fatalf("Failed to create plant: %v", err)
	}
	inst, err := db.AddPlantInstance(ctx, care.Instance{
		UserID:         1,
		PlantID:        plantID,
		Nickname:       "Big Monty",
		Location:       "Living room",
		Schedule:       sched,
		LastFertilized: lastFertilized,
	})
	if err != nil {
		t.Fatalf("Failed to add plant instance: %v", err)
	}
	return inst
}

func TestPlantInstanceRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	last := date(2024, 1, 1)
	inst := seedInstance(t, db, "monthly", &last)

	got, err := db.GetPlantInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Failed to get plant instance: %v", err)
	}
	if got.Schedule != "every_4_weeks" {
		t.Errorf("Schedule: got %q, want every_4_weeks", got.Schedule)
	}
	if got.LastFertilized == nil || !got.LastFertilized.Equal(last) {
		t.Errorf("LastFertilized: got %v, want %v", got.LastFertilized, last)
	}
	if got.LastRepot != nil {
		t.Errorf("LastRepot: got %v, want nil", got.LastRepot)
	}

	list, err := db.ListPlantInstances(ctx, 1)
	if err != nil {
		t.Fatalf("Failed to list plant instances: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 instance, got %d", len(list))
	}

	if _, err := db.GetPlantInstance(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStoredCareDateClassifiesAcrossDaylightSaving(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	db := openTestDB(t)

	// Fertilized under daylight time, read back after DST ended on 2024-11-03.
	last := time.Date(2024, 10, 15, 0, 0, 0, 0, loc)
	inst := seedInstance(t, db, "every_4_weeks", &last)

	got, err := db.GetPlantInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Failed to get plant instance: %v", err)
	}
	now := time.Date(2024, 11, 12, 9, 0, 0, 0, loc)
	st := care.Classify(got.CareState(now), care.DefaultThresholds())

	if st.Urgency != care.UrgencyDueToday {
		t.Errorf("Urgency: got %v, want %v", st.Urgency, care.UrgencyDueToday)
	}
	if st.DaysUntilDue == nil || *st.DaysUntilDue != 0 {
		t.Errorf("DaysUntilDue: got %v, want 0", st.DaysUntilDue)
	}
}

func TestLogCareEventIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	inst := seedInstance(t, db, "every_4_weeks", nil)

	req := care.LogRequest{
		UserID:          1,
		PlantInstanceID: inst.ID,
		Type:            care.EventFertilize,
		CareDate:        date(2024, 1, 1),
		Notes:           "half strength",
	}

	first, err := db.LogCareEvent(ctx, req, "key-1")
	if err != nil {
		t.Fatalf("Failed to log care: %v", err)
	}
	second, err := db.LogCareEvent(ctx, req, "key-1")
	if err != nil {
		t.Fatalf("Failed to log duplicate care: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Duplicate submission created a new record: %d != %d", first.ID, second.ID)
	}

	records, err := db.ListCareRecords(ctx, inst.ID, 10)
	if err != nil {
		t.Fatalf("Failed to list care records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 care record, got %d", len(records))
	}
	if records[0].Notes != "half strength" || records[0].IdempotencyKey != "key-1" {
		t.Errorf("Unexpected record: %+v", records[0])
	}

	got, _ := db.GetPlantInstance(ctx, inst.ID)
	if got.LastFertilized == nil || !got.LastFertilized.Equal(req.CareDate) {
		t.Errorf("LastFertilized: got %v, want %v", got.LastFertilized, req.CareDate)
	}
}

func TestLogCareEventMovesDatesForwardOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	inst := seedInstance(t, db, "every_4_weeks", nil)

	tests := []struct {
		key      string
		typ      care.EventType
		when     time.Time
		wantFert time.Time
	}{
		{"a", care.EventFertilize, date(2024, 2, 1), date(2024, 2, 1)},
		{"b", care.EventFertilize, date(2024, 1, 15), date(2024, 2, 1)},
		{"c", care.EventWater, date(2024, 3, 1), date(2024, 2, 1)},
		{"d", care.EventFertilize, date(2024, 2, 20), date(2024, 2, 20)},
	}

	for _, tt := range tests {
		req := care.LogRequest{UserID: 1, PlantInstanceID: inst.ID, Type: tt.typ, CareDate: tt.when}
		if _, err := db.LogCareEvent(ctx, req, tt.key); err != nil {
			t.Fatalf("Failed to log %s: %v", tt.key, err)
		}
		got, _ := db.GetPlantInstance(ctx, inst.ID)
		if got.LastFertilized == nil || !got.LastFertilized.Equal(tt.wantFert) {
			t.Errorf("After %s: LastFertilized got %v, want %v", tt.key, got.LastFertilized, tt.wantFert)
		}
	}

	repot := care.LogRequest{UserID: 1, PlantInstanceID: inst.ID, Type: care.EventRepot, CareDate: date(2024, 4, 1)}
	if _, err := db.LogCareEvent(ctx, repot, "e"); err != nil {
		t.Fatalf("Failed to log repot: %v", err)
	}
	got, _ := db.GetPlantInstance(ctx, inst.ID)
	if got.LastRepot == nil || !got.LastRepot.Equal(repot.CareDate) {
		t.Errorf("LastRepot: got %v, want %v", got.LastRepot, repot.CareDate)
	}
}

func TestLogCareEventRejectsUnknownInstance(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	req := care.LogRequest{UserID: 1, PlantInstanceID: 42, Type: care.EventWater, CareDate: date(2024, 1, 1)}
	if _, err := db.LogCareEvent(ctx, req, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := db.LogCareEvent(ctx, req, ""); !errors.Is(err, care.ErrInvalidEvent) {
		t.Errorf("Expected ErrInvalidEvent for empty key, got %v", err)
	}
}

func TestPropagationVersioning(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	parent := seedInstance(t, db, "every_4_weeks", nil)

	p, err := db.CreatePropagation(ctx, propagation.Record{
		UserID:           1,
		PlantID:          parent.PlantID,
		Nickname:         "Baby Monty",
		Location:         "Kitchen",
		SourceType:       propagation.SourceInternal,
		ParentInstanceID: &parent.ID,
		DateStarted:      date(2024, 1, 5),
	})
	if err != nil {
		t.Fatalf("Failed to create propagation: %v", err)
	}
	if p.Status != propagation.StatusStarted || p.Version != 1 {
		t.Fatalf("Unexpected new propagation: status %s version %d", p.Status, p.Version)
	}

	updated, err := db.UpdatePropagationStatus(ctx, p.ID, propagation.StatusRooting, p.Version)
	if err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}
	if updated.Status != propagation.StatusRooting || updated.Version != 2 {
		t.Errorf("Got status %s version %d, want rooting version 2", updated.Status, updated.Version)
	}

	// A writer holding the old version loses.
	_, err = db.UpdatePropagationStatus(ctx, p.ID, propagation.StatusReady, p.Version)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}

	if _, err := db.UpdatePropagationStatus(ctx, 999, propagation.StatusReady, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := db.UpdatePropagationStatus(ctx, p.ID, "wilted", updated.Version); !errors.Is(err, propagation.ErrUnknownStatus) {
		t.Errorf("Expected ErrUnknownStatus, got %v", err)
	}
}

func TestCreatePropagationValidatesSource(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.CreatePropagation(ctx, propagation.Record{
		UserID:     1,
		PlantID:    1,
		SourceType: propagation.SourceInternal,
	})
	if !errors.Is(err, propagation.ErrInvalidSourceConfiguration) {
		t.Errorf("Expected ErrInvalidSourceConfiguration, got %v", err)
	}
}

func TestConversionKeepsLineage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	parent := seedInstance(t, db, "every_4_weeks", nil)

	p, err := db.CreatePropagation(ctx, propagation.Record{
		UserID:         1,
		PlantID:        parent.PlantID,
		Nickname:       "Cutting",
		Location:       "Bathroom",
		Status:         propagation.StatusPlanted,
		SourceType:     propagation.SourceExternal,
		ExternalSource: "nursery",
	})
	if err != nil {
		t.Fatalf("Failed to create propagation: %v", err)
	}

	_, cmd, err := propagation.DefaultLifecycle().Convert(p, date(2024, 4, 1))
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}
	inst, err := db.CreatePlantInstance(ctx, cmd)
	if err != nil {
		t.Fatalf("Failed to create plant instance: %v", err)
	}
	if inst.Nickname != "Cutting" || inst.Location != "Bathroom" || inst.PlantID != parent.PlantID {
		t.Errorf("Unexpected instance: %+v", inst)
	}

	converted, err := db.GetPropagation(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to reload propagation: %v", err)
	}
	if !converted.Converted || converted.ConvertedAt == nil {
		t.Error("Propagation not marked converted")
	}
	if converted.ConvertedInstanceID == nil || *converted.ConvertedInstanceID != inst.ID {
		t.Errorf("ConvertedInstanceID: got %v, want %d", converted.ConvertedInstanceID, inst.ID)
	}
	if converted.Status != propagation.StatusPlanted {
		t.Errorf("Status changed by conversion: %s", converted.Status)
	}

	if _, err := db.CreatePlantInstance(ctx, cmd); !errors.Is(err, propagation.ErrAlreadyConverted) {
		t.Errorf("Expected ErrAlreadyConverted on second conversion, got %v", err)
	}
	instances, _ := db.ListPlantInstances(ctx, 1)
	if len(instances) != 2 {
		t.Errorf("Failed conversion left an instance behind: %d instances", len(instances))
	}

	if _, err := db.UpdatePropagationStatus(ctx, p.ID, propagation.StatusReady, converted.Version); !errors.Is(err, propagation.ErrAlreadyConverted) {
		t.Errorf("Expected ErrAlreadyConverted on status update, got %v", err)
	}
}

func TestPendingQueue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := date(2024, 1, 29)

	for _, id := range []string{"a", "b", "c"} {
		e := &offline.Entry{
			LocalID: id,
			Request: care.LogRequest{
				UserID:          1,
				PlantInstanceID: 5,
				Type:            care.EventFertilize,
				CareDate:        now,
			},
			CreatedAt: now,
		}
		if err := db.Append(ctx, e); err != nil {
			t.Fatalf("Failed to append %s: %v", id, err)
		}
		if e.Seq == 0 || e.Status != offline.StatusQueued {
			t.Errorf("Append did not assign seq/status: %+v", e)
		}
	}
	if err := db.Append(ctx, &offline.Entry{LocalID: "a", CreatedAt: now}); err == nil {
		t.Error("Expected duplicate local id to fail")
	}

	if err := db.MarkSyncing(ctx, "a", now); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	if err := db.MarkFailed(ctx, "a", "timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := db.MarkSyncing(ctx, "b", now); err != nil {
		t.Fatalf("MarkSyncing: %v", err)
	}
	if err := db.Remove(ctx, "c"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := db.Remove(ctx, "c"); !errors.Is(err, offline.ErrEntryNotFound) {
		t.Errorf("Expected ErrEntryNotFound, got %v", err)
	}

	n, err := db.ResetSyncing(ctx)
	if err != nil || n != 1 {
		t.Errorf("ResetSyncing: got %d, %v; want 1", n, err)
	}

	entries, err := db.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].LocalID != "a" || entries[1].LocalID != "b" {
		t.Errorf("Wrong order: %s, %s", entries[0].LocalID, entries[1].LocalID)
	}
	if entries[0].Status != offline.StatusFailed || entries[0].LastError != "timeout" || entries[0].Attempts != 1 {
		t.Errorf("Unexpected failed entry: %+v", entries[0])
	}
	if entries[1].Status != offline.StatusQueued || entries[1].LastAttemptAt == nil {
		t.Errorf("Unexpected recovered entry: %+v", entries[1])
	}
	if entries[0].Request.Type != care.EventFertilize || !entries[0].Request.CareDate.Equal(now) {
		t.Errorf("Request not preserved: %+v", entries[0].Request)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.PendingQueued != 1 || stats.PendingFailed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

// TestReconcileAgainstSQLite drains a durable queue into the same database.
func TestReconcileAgainstSQLite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	inst := seedInstance(t, db, "every_4_weeks", nil)

	r := offline.NewReconciler(db, db, offline.DefaultConfig())
	first, err := r.Enqueue(ctx, care.LogRequest{UserID: 1, PlantInstanceID: inst.ID, Type: care.EventFertilize, CareDate: date(2024, 1, 1)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := r.Enqueue(ctx, care.LogRequest{UserID: 1, PlantInstanceID: inst.ID, Type: care.EventFertilize, CareDate: date(2024, 1, 29)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	res, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Synced) != 2 || res.Synced[0] != first || res.Synced[1] != second {
		t.Errorf("Synced: got %v, want [%s %s]", res.Synced, first, second)
	}

	got, _ := db.GetPlantInstance(ctx, inst.ID)
	if got.LastFertilized == nil || !got.LastFertilized.Equal(date(2024, 1, 29)) {
		t.Errorf("LastFertilized: got %v", got.LastFertilized)
	}
	pending, _ := db.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("Queue not drained: %d left", len(pending))
	}
}
