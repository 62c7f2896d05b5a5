// Package engine ties the care classifier, propagation lifecycle and offline
// reconciler to a persistence store and a connectivity source.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdant/plantcare/internal/care"
	"github.com/verdant/plantcare/internal/cloud"
	"github.com/verdant/plantcare/internal/notify"
	"github.com/verdant/plantcare/internal/offline"
	"github.com/verdant/plantcare/internal/propagation"
	"github.com/verdant/plantcare/internal/schedule"
)

// ErrOffline is returned when an operation needs the store and the
// connectivity source reports it unreachable.
var ErrOffline = errors.New("store offline")

// Store is the authoritative persistence collaborator. LogCareEvent must be
// idempotent on key, and CreatePlantInstance must mark the source
// propagation converted in the same write.
type Store interface {
	GetPlantInstance(ctx context.Context, id int64) (care.Instance, error)
	ListPlantInstances(ctx context.Context, userID int64) ([]care.Instance, error)
	LogCareEvent(ctx context.Context, req care.LogRequest, key string) (care.Record, error)
	GetPropagation(ctx context.Context, id int64) (propagation.Record, error)
	UpdatePropagationStatus(ctx context.Context, id int64, status propagation.Status, expectedVersion int64) (propagation.Record, error)
	CreatePlantInstance(ctx context.Context, cmd propagation.CreatePlantInstanceCommand) (care.Instance, error)
}

// Connectivity reports whether the store is reachable.
type Connectivity interface {
	IsConnected() bool
	OnChange(cb func(online bool))
}

// Config holds engine configuration
type Config struct {
	UserID     int64
	Thresholds care.Thresholds
	Lifecycle  propagation.Lifecycle
	Sync       offline.Config
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		Thresholds: care.DefaultThresholds(),
		Lifecycle:  propagation.DefaultLifecycle(),
		Sync:       offline.DefaultConfig(),
	}
}

// Engine serves the care operations for one user.
type Engine struct {
	config     Config
	store      Store
	queue      offline.Queue
	reconciler *offline.Reconciler
	conn       Connectivity
	notifier   notify.Notifier

	now    func() time.Time
	newKey func() string

	mu        sync.RWMutex
	instances map[int64]care.Instance

	// generations counts invalidations per instance. A read that started
	// before an invalidation does not repopulate the cache.
	generations map[int64]uint64

	trigger  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an engine. queue holds care events that could not reach
// store; it is usually local even when store is remote.
func New(config Config, store Store, queue offline.Queue) *Engine {
	e := &Engine{
		config:      config,
		store:       store,
		queue:       queue,
		notifier:    notify.Nop{},
		now:         time.Now,
		newKey:      uuid.NewString,
		instances:   make(map[int64]care.Instance),
		generations: make(map[int64]uint64),
		trigger:     make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
	}
	e.reconciler = offline.NewReconciler(queue, store, config.Sync)
	e.reconciler.SetSyncedHandler(e.markStale)
	return e
}

// SetConnectivity sets the source of connectivity-regained events. Without
// one the store is treated as always reachable.
func (e *Engine) SetConnectivity(c Connectivity) {
	e.conn = c
}

// SetNotifier sets where stale-state and sync events are announced.
func (e *Engine) SetNotifier(n notify.Notifier) {
	if n == nil {
		n = notify.Nop{}
	}
	e.notifier = n
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.reconciler.SetClock(now)
}

// SetThresholds replaces the classifier thresholds, e.g. after a config
// reload.
func (e *Engine) SetThresholds(th care.Thresholds) {
	e.mu.Lock()
	e.config.Thresholds = th
	e.mu.Unlock()
	log.Printf("Care thresholds set: due soon %d days, default interval %s",
		th.DueSoonDays, th.DefaultInterval)
}

func (e *Engine) thresholds() care.Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.Thresholds
}

// Start recovers the offline queue and begins reconciling on every
// connectivity-regained event.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.reconciler.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover offline queue: %w", err)
	}

	if e.conn != nil {
		e.conn.OnChange(func(online bool) {
			if online {
				e.requestReconcile()
			}
		})
	}
	if e.online() {
		e.requestReconcile()
	}

	e.wg.Add(1)
	go e.reconcileLoop(ctx)

	log.Println("Engine started")
	return nil
}

// Stop waits for an in-flight reconcile pass to finish.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
	log.Println("Engine stopped")
	return nil
}

func (e *Engine) online() bool {
	return e.conn == nil || e.conn.IsConnected()
}

// requestReconcile never blocks; requests made while one is pending
// coalesce.
func (e *Engine) requestReconcile() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-e.trigger:
			if _, err := e.ReconcileOfflineQueue(ctx); err != nil && !errors.Is(err, ErrOffline) {
				log.Printf("Reconcile failed: %v", err)
			}
		}
	}
}

// --- Care ---

// ComputeUrgency classifies one plant instance at now. An unrecognised
// cadence is logged and classified with the default interval.
func (e *Engine) ComputeUrgency(inst care.Instance, now time.Time) care.Status {
	st := care.Classify(inst.CareState(now), e.thresholds())
	if !st.ScheduleRecognised {
		log.Printf("Plant instance %d has unrecognised schedule %q, using %s",
			inst.ID, inst.Schedule, st.Interval)
	}
	return st
}

// InstanceStatus classifies a plant instance by ID. The instance is read
// from the cache, or from the store when the cache entry is stale.
func (e *Engine) InstanceStatus(ctx context.Context, id int64) (care.Entry, error) {
	e.mu.RLock()
	inst, ok := e.instances[id]
	seen := map[int64]uint64{id: e.generations[id]}
	e.mu.RUnlock()

	if !ok {
		var err error
		inst, err = e.store.GetPlantInstance(ctx, id)
		if err != nil {
			return care.Entry{}, fmt.Errorf("get plant instance %d: %w", id, err)
		}
		e.cache(seen, inst)
	}
	return care.Entry{Instance: inst, Status: e.ComputeUrgency(inst, e.now())}, nil
}

// Dashboard classifies every plant instance of the configured user. When
// the store is unreachable the last cached snapshot is used.
func (e *Engine) Dashboard(ctx context.Context) (care.Dashboard, error) {
	seen := e.generationSnapshot()
	instances, err := e.store.ListPlantInstances(ctx, e.config.UserID)
	if err != nil {
		if !errors.Is(err, cloud.ErrUnavailable) {
			return care.Dashboard{}, fmt.Errorf("list plant instances: %w", err)
		}
		instances = e.cachedInstances()
		if len(instances) == 0 {
			return care.Dashboard{}, fmt.Errorf("list plant instances: %w", err)
		}
		log.Printf("Store unavailable, dashboard built from %d cached instances", len(instances))
	} else {
		e.cache(seen, instances...)
	}

	for _, inst := range instances {
		if _, ok := schedule.Lookup(inst.Schedule); !ok {
			log.Printf("Plant instance %d has unrecognised schedule %q, using default interval",
				inst.ID, inst.Schedule)
		}
	}
	return care.Aggregate(instances, e.now(), e.thresholds()), nil
}

// LogResult reports where a care event went.
type LogResult struct {
	Record  *care.Record `json:"record,omitempty"`
	LocalID string       `json:"local_id"`
	Queued  bool         `json:"queued"`
}

// LogCare records a care event. When the store is offline or unreachable
// the event is queued for the next reconcile pass instead.
func (e *Engine) LogCare(ctx context.Context, req care.LogRequest) (LogResult, error) {
	if req.UserID == 0 {
		req.UserID = e.config.UserID
	}
	if err := req.Validate(); err != nil {
		return LogResult{}, err
	}

	key := e.newKey()
	if !e.online() {
		return e.queueCare(ctx, key, req)
	}

	now := e.now()
	if date, clamped := care.ClampCareDate(req.CareDate, now, e.config.Sync.MaxClockSkew); clamped {
		log.Printf("Care for plant instance %d dated %s is in the future, using %s",
			req.PlantInstanceID, req.CareDate.Format(time.RFC3339), now.Format(time.RFC3339))
		req.CareDate = date
	}

	rec, err := e.store.LogCareEvent(ctx, req, key)
	if err != nil {
		if errors.Is(err, cloud.ErrUnavailable) {
			log.Printf("Store unavailable logging %s for plant instance %d: %v", req.Type, req.PlantInstanceID, err)
			return e.queueCare(ctx, key, req)
		}
		return LogResult{}, fmt.Errorf("log care event: %w", err)
	}

	e.markStale([]int64{req.PlantInstanceID})
	return LogResult{Record: &rec, LocalID: key}, nil
}

func (e *Engine) queueCare(ctx context.Context, key string, req care.LogRequest) (LogResult, error) {
	id, err := e.reconciler.EnqueueAs(ctx, key, req)
	if err != nil {
		return LogResult{}, err
	}
	return LogResult{LocalID: id, Queued: true}, nil
}

// EnqueueOfflineCare queues a care event without contacting the store.
func (e *Engine) EnqueueOfflineCare(ctx context.Context, req care.LogRequest) (string, error) {
	if req.UserID == 0 {
		req.UserID = e.config.UserID
	}
	return e.reconciler.Enqueue(ctx, req)
}

// PendingCare lists queued care events with their sync diagnostics.
func (e *Engine) PendingCare(ctx context.Context) ([]offline.Entry, error) {
	return e.queue.Pending(ctx)
}

// ReconcileOfflineQueue submits every queued care event. It fails with
// ErrOffline while the connectivity source reports the store unreachable.
func (e *Engine) ReconcileOfflineQueue(ctx context.Context) (offline.SyncResult, error) {
	if !e.online() {
		return offline.SyncResult{}, ErrOffline
	}
	res, err := e.reconciler.Reconcile(ctx)
	if err != nil {
		return res, err
	}
	if !res.Skipped && len(res.Synced)+len(res.Failed)+len(res.Deferred) > 0 {
		e.notifier.SyncCompleted(res)
	}
	return res, nil
}

// Invalidate marks plant instances as changed elsewhere, e.g. on a
// care.updated push from the store.
func (e *Engine) Invalidate(ids ...int64) {
	e.markStale(ids)
}

func (e *Engine) markStale(ids []int64) {
	if len(ids) == 0 {
		return
	}
	e.mu.Lock()
	for _, id := range ids {
		delete(e.instances, id)
		e.generations[id]++
	}
	e.mu.Unlock()
	e.notifier.CareStale(ids)
}

// cache stores instances read while the generations in seen were current.
// Instances invalidated since then are skipped.
func (e *Engine) cache(seen map[int64]uint64, instances ...care.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inst := range instances {
		if e.generations[inst.ID] != seen[inst.ID] {
			continue
		}
		e.instances[inst.ID] = inst
	}
}

func (e *Engine) generationSnapshot() map[int64]uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[int64]uint64, len(e.generations))
	for id, gen := range e.generations {
		out[id] = gen
	}
	return out
}

func (e *Engine) cachedInstances() []care.Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]care.Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		if inst.UserID == e.config.UserID {
			out = append(out, inst)
		}
	}
	return out
}

// --- Propagation ---

// GetPropagation returns a propagation record.
func (e *Engine) GetPropagation(ctx context.Context, id int64) (propagation.Record, error) {
	return e.store.GetPropagation(ctx, id)
}

// AdvancePropagation moves a propagation one state forward. The write
// carries the version read, so a concurrent change fails with a version
// conflict rather than skipping a state.
func (e *Engine) AdvancePropagation(ctx context.Context, id int64) (propagation.Record, error) {
	cur, err := e.store.GetPropagation(ctx, id)
	if err != nil {
		return propagation.Record{}, fmt.Errorf("get propagation %d: %w", id, err)
	}
	next, err := e.config.Lifecycle.Advance(cur)
	if err != nil {
		return propagation.Record{}, err
	}
	out, err := e.store.UpdatePropagationStatus(ctx, id, next.Status, cur.Version)
	if err != nil {
		return propagation.Record{}, fmt.Errorf("update propagation %d: %w", id, err)
	}
	log.Printf("Propagation %d advanced %s -> %s", id, cur.Status, out.Status)
	return out, nil
}

// OverridePropagationStatus sets any status, including a backward one.
func (e *Engine) OverridePropagationStatus(ctx context.Context, id int64, status propagation.Status) (propagation.Record, error) {
	cur, err := e.store.GetPropagation(ctx, id)
	if err != nil {
		return propagation.Record{}, fmt.Errorf("get propagation %d: %w", id, err)
	}
	next, err := e.config.Lifecycle.Override(cur, status)
	if err != nil {
		return propagation.Record{}, err
	}
	out, err := e.store.UpdatePropagationStatus(ctx, id, next.Status, cur.Version)
	if err != nil {
		return propagation.Record{}, fmt.Errorf("update propagation %d: %w", id, err)
	}
	log.Printf("Propagation %d status overridden %s -> %s", id, cur.Status, out.Status)
	return out, nil
}

// Conversion is the outcome of converting a propagation.
type Conversion struct {
	Propagation propagation.Record                     `json:"propagation"`
	Command     propagation.CreatePlantInstanceCommand `json:"command"`
	Instance    care.Instance                          `json:"instance"`
}

// ConvertPropagation turns a finished propagation into a plant instance.
// A second conversion of the same propagation fails with
// propagation.ErrAlreadyConverted.
func (e *Engine) ConvertPropagation(ctx context.Context, id int64) (Conversion, error) {
	cur, err := e.store.GetPropagation(ctx, id)
	if err != nil {
		return Conversion{}, fmt.Errorf("get propagation %d: %w", id, err)
	}
	converted, cmd, err := e.config.Lifecycle.Convert(cur, e.now())
	if err != nil {
		return Conversion{}, err
	}
	inst, err := e.store.CreatePlantInstance(ctx, cmd)
	if err != nil {
		return Conversion{}, fmt.Errorf("convert propagation %d: %w", id, err)
	}
	converted.ConvertedInstanceID = &inst.ID
	e.cache(nil, inst)

	log.Printf("Propagation %d converted to plant instance %d", id, inst.ID)
	return Conversion{Propagation: converted, Command: cmd, Instance: inst}, nil
}
