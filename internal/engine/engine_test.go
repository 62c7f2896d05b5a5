package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant/plantcare/internal/care"
	"github.com/verdant/plantcare/internal/cloud"
	"github.com/verdant/plantcare/internal/offline"
	"github.com/verdant/plantcare/internal/propagation"
	"github.com/verdant/plantcare/internal/storage"
)

// MockStore is an in-memory Store.
type MockStore struct {
	mu           sync.Mutex
	instances    map[int64]care.Instance
	propagations map[int64]propagation.Record
	records      map[string]care.Record
	nextID       int64
	gets         int

	// unavailable makes every call fail as a transport error.
	unavailable bool
	// applyThenFail stores the care event and then reports it unavailable.
	applyThenFail bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		instances:    make(map[int64]care.Instance),
		propagations: make(map[int64]propagation.Record),
		records:      make(map[string]care.Record),
		nextID:       100,
	}
}

func (m *MockStore) SetUnavailable(v bool) {
	m.mu.Lock()
	m.unavailable = v
	m.mu.Unlock()
}

func (m *MockStore) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MockStore) Gets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

func (m *MockStore) GetPlantInstance(ctx context.Context, id int64) (care.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return care.Instance{}, cloud.ErrUnavailable
	}
	m.gets++
	inst, ok := m.instances[id]
	if !ok {
		return care.Instance{}, storage.ErrNotFound
	}
	return inst, nil
}

func (m *MockStore) ListPlantInstances(ctx context.Context, userID int64) ([]care.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, cloud.ErrUnavailable
	}
	var out []care.Instance
	for _, inst := range m.instances {
		if inst.UserID == userID {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *MockStore) LogCareEvent(ctx context.Context, req care.LogRequest, key string) (care.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return care.Record{}, fmt.Errorf("%w: connection refused", cloud.ErrUnavailable)
	}
	if rec, ok := m.records[key]; ok {
		return rec, nil
	}
	inst, ok := m.instances[req.PlantInstanceID]
	if !ok {
		return care.Record{}, storage.ErrNotFound
	}
	m.nextID++
	rec := care.Record{
		ID:              m.nextID,
		UserID:          req.UserID,
		PlantInstanceID: req.PlantInstanceID,
		Type:            req.Type,
		CareDate:        req.CareDate,
		IdempotencyKey:  key,
	}
	m.records[key] = rec
	if req.Type == care.EventFertilize && (inst.LastFertilized == nil || req.CareDate.After(*inst.LastFertilized)) {
		d := req.CareDate
		inst.LastFertilized = &d
		m.instances[inst.ID] = inst
	}
	if m.applyThenFail {
		m.applyThenFail = false
		return care.Record{}, fmt.Errorf("%w: %w", cloud.ErrUnavailable, context.DeadlineExceeded)
	}
	return rec, nil
}

func (m *MockStore) GetPropagation(ctx context.Context, id int64) (propagation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.propagations[id]
	if !ok {
		return propagation.Record{}, storage.ErrNotFound
	}
	return r, nil
}

func (m *MockStore) UpdatePropagationStatus(ctx context.Context, id int64, status propagation.Status, expectedVersion int64) (propagation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.propagations[id]
	if !ok {
		return propagation.Record{}, storage.ErrNotFound
	}
	if r.Version != expectedVersion {
		return propagation.Record{}, storage.ErrVersionConflict
	}
	r.Status = status
	r.Version++
	m.propagations[id] = r
	return r, nil
}

func (m *MockStore) CreatePlantInstance(ctx context.Context, cmd propagation.CreatePlantInstanceCommand) (care.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.propagations[cmd.PropagationID]
	if !ok {
		return care.Instance{}, storage.ErrNotFound
	}
	if r.Converted {
		return care.Instance{}, propagation.ErrAlreadyConverted
	}
	m.nextID++
	inst := care.Instance{
		ID:       m.nextID,
		UserID:   cmd.UserID,
		PlantID:  cmd.PlantID,
		Nickname: cmd.Nickname,
		Location: cmd.Location,
		Schedule: cmd.Schedule,
	}
	m.instances[inst.ID] = inst
	r.Converted = true
	r.ConvertedInstanceID = &inst.ID
	r.Version++
	m.propagations[r.ID] = r
	return inst, nil
}

// MockConnectivity is a switchable connectivity source.
type MockConnectivity struct {
	mu        sync.Mutex
	connected bool
	onChange  func(bool)
}

func (c *MockConnectivity) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MockConnectivity) OnChange(cb func(bool)) {
	c.mu.Lock()
	c.onChange = cb
	c.mu.Unlock()
}

func (c *MockConnectivity) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	cb := c.onChange
	c.mu.Unlock()
	if cb != nil {
		cb(v)
	}
}

// MockNotifier records published events.
type MockNotifier struct {
	mu      sync.Mutex
	stale   []int64
	results chan offline.SyncResult
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{results: make(chan offline.SyncResult, 8)}
}

func (n *MockNotifier) CareStale(ids []int64) {
	n.mu.Lock()
	n.stale = append(n.stale, ids...)
	n.mu.Unlock()
}

func (n *MockNotifier) SyncCompleted(r offline.SyncResult) { n.results <- r }

func (n *MockNotifier) Stale() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.stale...)
}

var testNow = time.Date(2024, 1, 29, 12, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// setupTestEngine creates an engine over mocks with a fixed clock.
func setupTestEngine(t *testing.T) (*Engine, *MockStore, *offline.MemoryQueue, *MockNotifier) {
	t.Helper()
	store := NewMockStore()
	queue := offline.NewMemoryQueue()
	cfg := DefaultConfig()
	cfg.UserID = 1
	cfg.Sync.SubmitTimeout = time.Second

	e := New(cfg, store, queue)
	e.SetClock(func() time.Time { return testNow })
	n := NewMockNotifier()
	e.SetNotifier(n)
	return e, store, queue, n
}

func TestComputeUrgencyScenario(t *testing.T) {
	e, _, _, _ := setupTestEngine(t)
	inst := care.Instance{ID: 1, UserID: 1, Schedule: "every_4_weeks", LastFertilized: date(2024, 1, 1)}

	st := e.ComputeUrgency(inst, time.Date(2024, 1, 29, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, care.UrgencyDueToday, st.Urgency)
	require.NotNil(t, st.DaysUntilDue)
	assert.Equal(t, 0, *st.DaysUntilDue)

	st = e.ComputeUrgency(inst, time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, care.UrgencyOverdue, st.Urgency)
	assert.Equal(t, -7, *st.DaysUntilDue)

	inst.LastFertilized = nil
	assert.Equal(t, care.UrgencyUnknown, e.ComputeUrgency(inst, testNow).Urgency)
}

func TestComputeUrgencyUnrecognisedSchedule(t *testing.T) {
	e, _, _, _ := setupTestEngine(t)
	inst := care.Instance{ID: 1, Schedule: "whenever it looks sad", LastFertilized: date(2024, 1, 1)}

	st := e.ComputeUrgency(inst, time.Date(2024, 1, 29, 0, 0, 0, 0, time.UTC))
	assert.False(t, st.ScheduleRecognised)
	assert.Equal(t, 28, st.Interval.Days())
	assert.Equal(t, care.UrgencyDueToday, st.Urgency)

	th := care.DefaultThresholds()
	th.DefaultInterval = 14
	e.SetThresholds(th)
	st = e.ComputeUrgency(inst, time.Date(2024, 1, 29, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, care.UrgencyOverdue, st.Urgency)
}

func TestInstanceStatusCachesUntilStale(t *testing.T) {
	ctx := context.Background()
	e, store, _, n := setupTestEngine(t)
	store.instances[5] = care.Instance{ID: 5, UserID: 1, Schedule: "every_2_weeks", LastFertilized: date(2024, 1, 1)}

	entry, err := e.InstanceStatus(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, care.UrgencyOverdue, entry.Status.Urgency)
	_, err = e.InstanceStatus(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Gets(), "second lookup served from cache")

	res, err := e.LogCare(ctx, care.LogRequest{PlantInstanceID: 5, Type: care.EventFertilize, CareDate: testNow})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	require.NotNil(t, res.Record)
	assert.Equal(t, int64(1), res.Record.UserID, "user filled from config")
	assert.Equal(t, []int64{5}, n.Stale())

	entry, err = e.InstanceStatus(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Gets(), "stale entry re-read")
	assert.Equal(t, care.UrgencyHealthy, entry.Status.Urgency)

	_, err = e.InstanceStatus(ctx, 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// stalingStore invalidates each instance while it is being read, the way a
// reconcile pass finishing mid-read would.
type stalingStore struct {
	*MockStore
	engine *Engine
}

func (s *stalingStore) GetPlantInstance(ctx context.Context, id int64) (care.Instance, error) {
	inst, err := s.MockStore.GetPlantInstance(ctx, id)
	s.engine.Invalidate(id)
	return inst, err
}

func (s *stalingStore) ListPlantInstances(ctx context.Context, userID int64) ([]care.Instance, error) {
	instances, err := s.MockStore.ListPlantInstances(ctx, userID)
	for _, inst := range instances {
		s.engine.Invalidate(inst.ID)
	}
	return instances, err
}

func TestReadRacingInvalidationIsNotCached(t *testing.T) {
	ctx := context.Background()
	mock := NewMockStore()
	mock.instances[5] = care.Instance{ID: 5, UserID: 1, Schedule: "every_2_weeks", LastFertilized: date(2024, 1, 1)}
	store := &stalingStore{MockStore: mock}
	cfg := DefaultConfig()
	cfg.UserID = 1
	e := New(cfg, store, offline.NewMemoryQueue())
	e.SetClock(func() time.Time { return testNow })
	store.engine = e

	_, err := e.InstanceStatus(ctx, 5)
	require.NoError(t, err)
	_, err = e.InstanceStatus(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.Gets(), "instance read during invalidation must not be cached")

	d, err := e.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Counts.Total)
	assert.Empty(t, e.cachedInstances(), "listing read during invalidation must not be cached")

	// Reads that do not race an invalidation still populate the cache.
	store.engine = New(cfg, mock, offline.NewMemoryQueue())
	_, err = e.InstanceStatus(ctx, 5)
	require.NoError(t, err)
	_, err = e.InstanceStatus(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, mock.Gets())
}

func TestDashboard(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := setupTestEngine(t)
	store.instances[1] = care.Instance{ID: 1, UserID: 1, Schedule: "every_4_weeks", LastFertilized: date(2024, 1, 1)}
	store.instances[2] = care.Instance{ID: 2, UserID: 1, Schedule: "every_week", LastFertilized: date(2024, 1, 1)}
	store.instances[3] = care.Instance{ID: 3, UserID: 1, Schedule: "every_4_weeks"}
	store.instances[4] = care.Instance{ID: 4, UserID: 2, Schedule: "every_week", LastFertilized: date(2024, 1, 1)}

	d, err := e.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Counts.Total)
	assert.Equal(t, 1, d.Counts.Overdue)
	assert.Equal(t, 1, d.Counts.DueToday)
	assert.Equal(t, 1, d.Counts.Unknown)

	store.SetUnavailable(true)
	d, err = e.Dashboard(ctx)
	require.NoError(t, err, "falls back to cached snapshot")
	assert.Equal(t, 3, d.Counts.Total)
}

func TestDashboardUnavailableWithoutCache(t *testing.T) {
	e, store, _, _ := setupTestEngine(t)
	store.SetUnavailable(true)
	_, err := e.Dashboard(context.Background())
	assert.ErrorIs(t, err, cloud.ErrUnavailable)
}

func TestLogCareRejectsInvalid(t *testing.T) {
	e, _, queue, _ := setupTestEngine(t)
	_, err := e.LogCare(context.Background(), care.LogRequest{PlantInstanceID: 5, Type: "mist", CareDate: testNow})
	assert.ErrorIs(t, err, care.ErrInvalidEvent)
	assert.Equal(t, 0, queue.Len())
}

func TestLogCareFallsBackToQueue(t *testing.T) {
	ctx := context.Background()
	e, store, queue, _ := setupTestEngine(t)
	store.instances[5] = care.Instance{ID: 5, UserID: 1, Schedule: "every_4_weeks"}
	store.SetUnavailable(true)

	res, err := e.LogCare(ctx, care.LogRequest{PlantInstanceID: 5, Type: care.EventWater, CareDate: testNow})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Nil(t, res.Record)
	assert.Equal(t, 1, queue.Len())

	store.SetUnavailable(false)
	sr, err := e.ReconcileOfflineQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{res.LocalID}, sr.Synced)
	assert.Equal(t, 1, store.RecordCount())
	assert.Equal(t, 0, queue.Len())
}

func TestLogCareTimeoutAfterApplyIsNotDuplicated(t *testing.T) {
	ctx := context.Background()
	e, store, queue, _ := setupTestEngine(t)
	store.instances[5] = care.Instance{ID: 5, UserID: 1, Schedule: "every_4_weeks"}
	store.applyThenFail = true

	res, err := e.LogCare(ctx, care.LogRequest{PlantInstanceID: 5, Type: care.EventFertilize, CareDate: testNow})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, queue.Len())

	_, err = e.ReconcileOfflineQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.RecordCount())
	assert.Equal(t, 0, queue.Len())
}

func TestReconcileWhileOffline(t *testing.T) {
	e, _, _, _ := setupTestEngine(t)
	e.SetConnectivity(&MockConnectivity{})

	_, err := e.ReconcileOfflineQueue(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
}

func TestReconnectDrainsQueue(t *testing.T) {
	ctx := context.Background()
	e, store, queue, n := setupTestEngine(t)
	store.instances[5] = care.Instance{ID: 5, UserID: 1, Schedule: "every_4_weeks"}
	store.instances[6] = care.Instance{ID: 6, UserID: 1, Schedule: "every_4_weeks"}
	conn := &MockConnectivity{}
	e.SetConnectivity(conn)

	res, err := e.LogCare(ctx, care.LogRequest{PlantInstanceID: 5, Type: care.EventFertilize, CareDate: testNow.Add(-time.Hour)})
	require.NoError(t, err)
	assert.True(t, res.Queued, "offline log is queued")
	_, err = e.EnqueueOfflineCare(ctx, care.LogRequest{PlantInstanceID: 6, Type: care.EventRepot, CareDate: testNow})
	require.NoError(t, err)

	pending, err := e.PendingCare(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, e.Start(ctx))
	defer e.Stop()
	assert.Equal(t, 2, queue.Len(), "no pass while offline")

	conn.SetConnected(true)
	select {
	case sr := <-n.results:
		assert.Len(t, sr.Synced, 2)
		assert.ElementsMatch(t, []int64{5, 6}, sr.Instances)
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect did not trigger reconcile")
	}
	assert.Equal(t, 0, queue.Len())
	assert.Equal(t, 2, store.RecordCount())
	assert.ElementsMatch(t, []int64{5, 6}, n.Stale())

	// A drained queue makes the next pass a no-op.
	sr, err := e.ReconcileOfflineQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, sr.Synced)
	assert.Equal(t, 2, store.RecordCount())
}

func TestInvalidateNotifies(t *testing.T) {
	e, store, _, n := setupTestEngine(t)
	store.instances[5] = care.Instance{ID: 5, UserID: 1}
	_, err := e.InstanceStatus(context.Background(), 5)
	require.NoError(t, err)

	e.Invalidate(5)
	assert.Equal(t, []int64{5}, n.Stale())
	_, err = e.InstanceStatus(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Gets())
}

func addPropagation(store *MockStore, r propagation.Record) {
	if r.Version == 0 {
		r.Version = 1
	}
	store.propagations[r.ID] = r
}

func internalPropagation(id int64, status propagation.Status) propagation.Record {
	parent := int64(7)
	return propagation.Record{
		ID:               id,
		UserID:           1,
		PlantID:          3,
		Location:         "kitchen window",
		Status:           status,
		SourceType:       propagation.SourceInternal,
		ParentInstanceID: &parent,
		DateStarted:      time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAdvancePropagation(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := setupTestEngine(t)
	addPropagation(store, internalPropagation(9, propagation.StatusStarted))

	want := []propagation.Status{propagation.StatusRooting, propagation.StatusReady, propagation.StatusPlanted}
	for _, status := range want {
		r, err := e.AdvancePropagation(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, status, r.Status)
	}

	_, err := e.AdvancePropagation(ctx, 9)
	require.ErrorIs(t, err, propagation.ErrInvalidTransition)
	var te *propagation.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(9), te.ID)
	assert.Equal(t, propagation.StatusPlanted, te.From)

	_, err = e.AdvancePropagation(ctx, 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// racingStore bumps the version between read and write.
type racingStore struct {
	*MockStore
}

func (s racingStore) GetPropagation(ctx context.Context, id int64) (propagation.Record, error) {
	r, err := s.MockStore.GetPropagation(ctx, id)
	if err != nil {
		return r, err
	}
	s.mu.Lock()
	bumped := s.propagations[id]
	bumped.Version++
	s.propagations[id] = bumped
	s.mu.Unlock()
	return r, nil
}

func TestAdvancePropagationVersionConflict(t *testing.T) {
	store := NewMockStore()
	addPropagation(store, internalPropagation(9, propagation.StatusStarted))
	e := New(DefaultConfig(), racingStore{store}, offline.NewMemoryQueue())

	_, err := e.AdvancePropagation(context.Background(), 9)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
	assert.Equal(t, propagation.StatusStarted, store.propagations[9].Status)
}

func TestOverridePropagationStatus(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := setupTestEngine(t)
	addPropagation(store, internalPropagation(9, propagation.StatusReady))

	r, err := e.OverridePropagationStatus(ctx, 9, propagation.StatusRooting)
	require.NoError(t, err)
	assert.Equal(t, propagation.StatusRooting, r.Status)

	_, err = e.OverridePropagationStatus(ctx, 9, "wilting")
	assert.ErrorIs(t, err, propagation.ErrUnknownStatus)
}

func TestConvertPropagationDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := setupTestEngine(t)
	addPropagation(store, internalPropagation(9, propagation.StatusReady))

	_, err := e.ConvertPropagation(ctx, 9)
	require.ErrorIs(t, err, propagation.ErrNotReady)
	var nr *propagation.NotReadyError
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, propagation.StatusPlanted, nr.Required)

	_, err = e.AdvancePropagation(ctx, 9)
	require.NoError(t, err)
	conv, err := e.ConvertPropagation(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, propagation.StatusPlanted, conv.Propagation.Status, "status unchanged by conversion")
	assert.True(t, conv.Propagation.Converted)
}

func TestConvertPropagationFromReady(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	addPropagation(store, internalPropagation(9, propagation.StatusReady))
	cfg := DefaultConfig()
	cfg.UserID = 1
	cfg.Lifecycle.ConvertFrom = propagation.StatusReady
	e := New(cfg, store, offline.NewMemoryQueue())
	e.SetClock(func() time.Time { return testNow })

	conv, err := e.ConvertPropagation(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(3), conv.Command.PlantID)
	assert.Equal(t, "kitchen window", conv.Command.Location)
	require.NotNil(t, conv.Command.ParentInstanceID)
	assert.Equal(t, int64(7), *conv.Command.ParentInstanceID)
	assert.True(t, conv.Propagation.Converted)
	require.NotNil(t, conv.Propagation.ConvertedInstanceID)
	assert.Equal(t, conv.Instance.ID, *conv.Propagation.ConvertedInstanceID)
	assert.True(t, store.propagations[9].Converted)

	_, err = e.ConvertPropagation(ctx, 9)
	assert.ErrorIs(t, err, propagation.ErrAlreadyConverted)

	// Exactly one plant instance came from the propagation.
	n := 0
	for _, inst := range store.instances {
		if inst.PlantID == 3 {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.False(t, errors.Is(err, storage.ErrVersionConflict))
}
