package offline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/verdant/plantcare/internal/care"
)

var (
	// ErrSyncSubmissionFailed marks an entry the store did not accept.
	ErrSyncSubmissionFailed = errors.New("sync submission failed")

	// ErrHeldBack marks an entry not submitted because an earlier entry
	// for the same plant instance has not synced yet.
	ErrHeldBack = errors.New("held back behind earlier entry")
)

// SubmissionError carries the entry a failed submission belongs to.
type SubmissionError struct {
	LocalID         string
	PlantInstanceID int64
	Err             error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("entry %s (plant instance %d): %v", e.LocalID, e.PlantInstanceID, e.Err)
}

func (e *SubmissionError) Unwrap() []error {
	return []error{ErrSyncSubmissionFailed, e.Err}
}

// Submitter is the care-logging side of the persistence collaborator. It
// must treat repeated calls with the same key as a no-op success.
type Submitter interface {
	LogCareEvent(ctx context.Context, req care.LogRequest, idempotencyKey string) (care.Record, error)
}

// Failure is an entry that was submitted and rejected.
type Failure struct {
	LocalID         string `json:"local_id"`
	PlantInstanceID int64  `json:"plant_instance_id"`
	Reason          string `json:"reason"`
	Err             error  `json:"-"`
}

// Deferral is an entry that was not submitted this pass.
type Deferral struct {
	LocalID         string `json:"local_id"`
	PlantInstanceID int64  `json:"plant_instance_id"`
	BlockedBy       string `json:"blocked_by,omitempty"`
	Reason          string `json:"reason"`
}

// SyncResult reports one reconciliation pass.
type SyncResult struct {
	Synced   []string   `json:"synced"`
	Failed   []Failure  `json:"failed"`
	Deferred []Deferral `json:"deferred"`

	// Instances lists plant instances with at least one synced entry.
	// Their care state is stale.
	Instances []int64 `json:"instances"`

	// Skipped is set when another pass was already running.
	Skipped  bool          `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Config holds reconciler configuration.
type Config struct {
	SubmitTimeout time.Duration // per submission
	Workers       int           // plant instances reconciled in parallel
	MaxClockSkew  time.Duration // how far in the future a care date may lie
}

// DefaultConfig returns default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		SubmitTimeout: 15 * time.Second,
		Workers:       4,
		MaxClockSkew:  5 * time.Minute,
	}
}

// Reconciler drains a Queue through a Submitter.
type Reconciler struct {
	queue  Queue
	submit Submitter
	config Config

	running sync.Mutex

	now      func() time.Time
	newID    func() string
	onSynced func([]int64)
}

// NewReconciler creates a reconciler.
func NewReconciler(queue Queue, submit Submitter, config Config) *Reconciler {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Reconciler{
		queue:  queue,
		submit: submit,
		config: config,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// SetSyncedHandler registers a callback run after a pass that synced
// entries, with the affected plant instance IDs.
func (r *Reconciler) SetSyncedHandler(fn func([]int64)) {
	r.onSynced = fn
}

// SetClock replaces the clock used for timestamps and skew checks.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Enqueue stores a care event for later sync and returns its local ID.
// It only touches the local queue.
func (r *Reconciler) Enqueue(ctx context.Context, req care.LogRequest) (string, error) {
	return r.EnqueueAs(ctx, r.newID(), req)
}

// EnqueueAs is Enqueue with a caller-chosen local ID. An online submission
// that failed in flight is queued under the key it was sent with, so that
// if the store did apply it the retry collapses onto the same record.
func (r *Reconciler) EnqueueAs(ctx context.Context, localID string, req care.LogRequest) (string, error) {
	if localID == "" {
		return "", fmt.Errorf("enqueue care event: empty local id")
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	now := r.now()
	if date, clamped := care.ClampCareDate(req.CareDate, now, r.config.MaxClockSkew); clamped {
		log.Printf("Offline care for plant instance %d dated %s is in the future, using %s",
			req.PlantInstanceID, req.CareDate.Format(time.RFC3339), now.Format(time.RFC3339))
		req.CareDate = date
	}

	e := &Entry{
		LocalID:   localID,
		Request:   req,
		Status:    StatusQueued,
		CreatedAt: now,
	}
	if err := r.queue.Append(ctx, e); err != nil {
		return "", fmt.Errorf("enqueue care event: %w", err)
	}
	log.Printf("Queued offline %s for plant instance %d as %s", req.Type, req.PlantInstanceID, e.LocalID)
	return e.LocalID, nil
}

// Recover resets entries interrupted mid-sync. Call once at start-up.
func (r *Reconciler) Recover(ctx context.Context) (int, error) {
	n, err := r.queue.ResetSyncing(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover queue: %w", err)
	}
	if n > 0 {
		log.Printf("Recovered %d entries interrupted during sync", n)
	}
	return n, nil
}

// Reconcile submits every pending entry. Entries for one plant instance
// are submitted in enqueue order, and a failure holds back the entries
// behind it. Different plant instances are reconciled in parallel.
//
// A call made while another pass is running returns immediately with
// Skipped set.
func (r *Reconciler) Reconcile(ctx context.Context) (SyncResult, error) {
	if !r.running.TryLock() {
		return SyncResult{Skipped: true}, nil
	}
	defer r.running.Unlock()

	start := r.now()
	entries, err := r.queue.Pending(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load pending entries: %w", err)
	}
	if len(entries) == 0 {
		return SyncResult{}, nil
	}

	var (
		mu     sync.Mutex
		result SyncResult
		seqOf  = make(map[string]int64, len(entries))
	)
	for _, e := range entries {
		seqOf[e.LocalID] = e.Seq
	}

	g := new(errgroup.Group)
	g.SetLimit(r.config.Workers)
	for _, lane := range lanes(entries) {
		lane := lane
		g.Go(func() error {
			lr := r.reconcileLane(ctx, lane)
			mu.Lock()
			result.Synced = append(result.Synced, lr.Synced...)
			result.Failed = append(result.Failed, lr.Failed...)
			result.Deferred = append(result.Deferred, lr.Deferred...)
			result.Instances = append(result.Instances, lr.Instances...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Synced, func(i, j int) bool { return seqOf[result.Synced[i]] < seqOf[result.Synced[j]] })
	sort.Slice(result.Failed, func(i, j int) bool { return seqOf[result.Failed[i].LocalID] < seqOf[result.Failed[j].LocalID] })
	sort.Slice(result.Deferred, func(i, j int) bool { return seqOf[result.Deferred[i].LocalID] < seqOf[result.Deferred[j].LocalID] })
	sort.Slice(result.Instances, func(i, j int) bool { return result.Instances[i] < result.Instances[j] })
	result.Duration = r.now().Sub(start)

	log.Printf("Reconcile: %d synced, %d failed, %d deferred",
		len(result.Synced), len(result.Failed), len(result.Deferred))

	if len(result.Instances) > 0 && r.onSynced != nil {
		r.onSynced(result.Instances)
	}
	return result, nil
}

// lanes splits entries by plant instance, keeping enqueue order inside each
// lane and ordering lanes by their first entry.
func lanes(entries []Entry) [][]Entry {
	index := make(map[int64]int)
	var out [][]Entry
	for _, e := range entries {
		id := e.Request.PlantInstanceID
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], e)
	}
	return out
}

func (r *Reconciler) reconcileLane(ctx context.Context, lane []Entry) SyncResult {
	var res SyncResult
	blockedBy := ""

	for _, e := range lane {
		instanceID := e.Request.PlantInstanceID

		if blockedBy != "" {
			res.Deferred = append(res.Deferred, Deferral{
				LocalID:         e.LocalID,
				PlantInstanceID: instanceID,
				BlockedBy:       blockedBy,
				Reason:          ErrHeldBack.Error(),
			})
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Deferred = append(res.Deferred, Deferral{
				LocalID:         e.LocalID,
				PlantInstanceID: instanceID,
				Reason:          err.Error(),
			})
			blockedBy = e.LocalID
			continue
		}

		if err := r.submitEntry(ctx, e); err != nil {
			subErr := &SubmissionError{LocalID: e.LocalID, PlantInstanceID: instanceID, Err: err}
			log.Printf("Sync failed: %v", subErr)
			if markErr := r.queue.MarkFailed(context.WithoutCancel(ctx), e.LocalID, err.Error()); markErr != nil {
				log.Printf("Failed to record sync failure for %s: %v", e.LocalID, markErr)
			}
			res.Failed = append(res.Failed, Failure{
				LocalID:         e.LocalID,
				PlantInstanceID: instanceID,
				Reason:          err.Error(),
				Err:             subErr,
			})
			blockedBy = e.LocalID
			continue
		}

		if err := r.queue.Remove(context.WithoutCancel(ctx), e.LocalID); err != nil {
			// The store has the event. A leftover entry is resubmitted
			// under the same key next pass and collapses to a no-op.
			log.Printf("Failed to remove synced entry %s: %v", e.LocalID, err)
		}
		res.Synced = append(res.Synced, e.LocalID)
		if len(res.Instances) == 0 {
			res.Instances = append(res.Instances, instanceID)
		}
	}
	return res
}

// submitEntry runs one submission to completion. It is detached from the
// caller's cancellation and bounded by SubmitTimeout instead, so an entry
// is either submitted or left in the queue.
func (r *Reconciler) submitEntry(ctx context.Context, e Entry) error {
	base := context.WithoutCancel(ctx)
	if err := r.queue.MarkSyncing(base, e.LocalID, r.now()); err != nil {
		return fmt.Errorf("mark syncing: %w", err)
	}

	subCtx := base
	if r.config.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		subCtx, cancel = context.WithTimeout(base, r.config.SubmitTimeout)
		defer cancel()
	}

	if _, err := r.submit.LogCareEvent(subCtx, e.Request, e.LocalID); err != nil {
		return err
	}
	return nil
}
