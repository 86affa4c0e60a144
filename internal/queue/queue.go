package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/couple-budget/internal/pipeline"
	"github.com/zombor/couple-budget/internal/recognition"
)

// Processor runs the receipt pipeline for one submission
type Processor interface {
	Process(ctx context.Context, sub Submission) (*pipeline.Result, error)
}

// Connectivity reports whether the recognition service is reachable
type Connectivity interface {
	Online() bool
}

// IDGenerator generates unique IDs for entries
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config tunes retry and retention
type Config struct {
	MaxRetries  int
	MaxAge      time.Duration
	BackoffBase time.Duration
}

// DefaultConfig returns the default queue settings
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		MaxAge:      7 * 24 * time.Hour,
		BackoffBase: 30 * time.Second,
	}
}

// Backoff returns the wait before the next attempt of an entry that has
// failed retryCount times
func (c Config) Backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	return c.BackoffBase << min(retryCount-1, 16)
}

// SubmitResult reports what happened to a submission. Uploaded is set when
// it was processed immediately; otherwise Entry is the queued entry.
type SubmitResult struct {
	Uploaded bool             `json:"uploaded"`
	Result   *pipeline.Result `json:"result,omitempty"`
	Entry    *Entry           `json:"entry,omitempty"`
}

// DrainResult counts the attempts made by Drain or RetryFailedUploads
type DrainResult struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// MaintenanceResult counts entries touched by maintenance
type MaintenanceResult struct {
	Purged     int `json:"purged"`
	Reconciled int `json:"reconciled"`
}

// Stats summarizes the queue contents
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// Queue owns the lifecycle of every entry. All mutations go through mutate,
// which holds mu across the whole load-modify-save cycle. Drain, retry and
// maintenance runs are serialized by drainMu.
type Queue struct {
	store        Store
	processor    Processor
	connectivity Connectivity
	idGenerator  IDGenerator
	timeSource   TimeSource
	sleep        SleepFunc
	config       Config

	mu      sync.Mutex
	drainMu sync.Mutex
}

// NewQueue creates a Queue with default ID generator, clock and sleep
func NewQueue(store Store, processor Processor, connectivity Connectivity, config Config) *Queue {
	return NewQueueWithDeps(store, processor, connectivity, config, uuidGenerator{}, defaultTimeSource{}, sleepContext)
}

// NewQueueWithDeps creates a Queue with custom dependencies for testing
func NewQueueWithDeps(store Store, processor Processor, connectivity Connectivity, config Config, idGen IDGenerator, timeSrc TimeSource, sleep SleepFunc) *Queue {
	defaults := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}
	if config.BackoffBase < 0 {
		config.BackoffBase = 0
	}
	return &Queue{
		store:        store,
		processor:    processor,
		connectivity: connectivity,
		idGenerator:  idGen,
		timeSource:   timeSrc,
		sleep:        sleep,
		config:       config,
	}
}

// mutate is the single read-modify-write point for the store
func (q *Queue) mutate(ctx context.Context, fn func([]*Entry) ([]*Entry, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading queue: %w", err)
	}
	updated, err := fn(entries)
	if err != nil {
		return err
	}
	if err := q.store.Save(ctx, updated); err != nil {
		return fmt.Errorf("saving queue: %w", err)
	}
	return nil
}

func (q *Queue) snapshot(ctx context.Context) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading queue: %w", err)
	}
	return entries, nil
}

// Submit processes the submission right away when online. Offline, or when
// the service fails transiently, the submission is queued instead.
func (q *Queue) Submit(ctx context.Context, sub Submission) (*SubmitResult, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if sub.Priority == "" {
		sub.Priority = PriorityMedium
	}

	if q.connectivity.Online() {
		result, err := q.processor.Process(ctx, sub)
		if err == nil {
			return &SubmitResult{Uploaded: true, Result: result}, nil
		}
		if !recognition.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("transient failure while online, queueing submission", "error", err)
	}

	entry, err := q.enqueue(ctx, sub)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Entry: entry}, nil
}

// Enqueue adds the submission without attempting it
func (q *Queue) Enqueue(ctx context.Context, sub Submission) (*Entry, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if sub.Priority == "" {
		sub.Priority = PriorityMedium
	}
	return q.enqueue(ctx, sub)
}

func (q *Queue) enqueue(ctx context.Context, sub Submission) (*Entry, error) {
	entry := &Entry{
		ID:          q.idGenerator.Generate(),
		ImageRef:    sub.ImageRef,
		CoupleID:    sub.CoupleID,
		UserID:      sub.UserID,
		ExpenseID:   sub.ExpenseID,
		Description: sub.Description,
		Priority:    sub.Priority,
		Status:      StatusPending,
		CreatedAt:   q.timeSource.Now(),
	}

	err := q.mutate(ctx, func(entries []*Entry) ([]*Entry, error) {
		return append(entries, entry), nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("queued submission", "id", entry.ID, "priority", entry.Priority)
	return entry, nil
}

// Drain runs maintenance and then attempts every pending entry and every
// failed entry whose backoff has elapsed, highest priority and oldest first.
// If ctx is cancelled mid attempt the entry stays uploading until the next
// maintenance run.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	if !q.connectivity.Online() {
		return DrainResult{}, ErrOffline
	}
	if _, err := q.maintain(ctx); err != nil {
		return DrainResult{}, err
	}

	entries, err := q.snapshot(ctx)
	if err != nil {
		return DrainResult{}, err
	}

	now := q.timeSource.Now()
	var ready []*Entry
	for _, e := range entries {
		if q.readyForDrain(e, now) {
			ready = append(ready, e)
		}
	}
	sortForDrain(ready)

	var result DrainResult
	for _, e := range ready {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ok, attempted, err := q.attempt(ctx, e.ID)
		if err != nil {
			return result, err
		}
		if !attempted {
			continue
		}
		result.Processed++
		if ok {
			result.Successful++
		} else {
			result.Failed++
		}
	}

	slog.Info("queue drained",
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed)
	return result, nil
}

func (q *Queue) readyForDrain(e *Entry, now time.Time) bool {
	switch e.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return e.RetryCount < q.config.MaxRetries && q.remainingBackoff(e, now) <= 0
	}
	return false
}

// remainingBackoff is how long e must still wait before its next attempt
func (q *Queue) remainingBackoff(e *Entry, now time.Time) time.Duration {
	if e.LastAttemptAt == nil {
		return 0
	}
	return e.LastAttemptAt.Add(q.config.Backoff(e.RetryCount)).Sub(now)
}

func sortForDrain(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Priority.rank(), entries[j].Priority.rank()
		if ri != rj {
			return ri < rj
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// RetryFailedUploads retries failed entries that still have attempts left.
// Before each attempt it waits out whatever remains of the entry's backoff
// since its last attempt.
func (q *Queue) RetryFailedUploads(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	if !q.connectivity.Online() {
		return DrainResult{}, ErrOffline
	}

	entries, err := q.snapshot(ctx)
	if err != nil {
		return DrainResult{}, err
	}

	var failed []*Entry
	for _, e := range entries {
		if e.Status == StatusFailed && e.RetryCount < q.config.MaxRetries {
			failed = append(failed, e)
		}
	}
	sortForDrain(failed)

	var result DrainResult
	for _, e := range failed {
		if wait := q.remainingBackoff(e, q.timeSource.Now()); wait > 0 {
			if err := q.sleep(ctx, wait); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ok, attempted, err := q.attempt(ctx, e.ID)
		if err != nil {
			return result, err
		}
		if !attempted {
			continue
		}
		result.Processed++
		if ok {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// attempt moves the entry to uploading, processes it and records the
// outcome. attempted is false when the entry vanished or was no longer
// eligible by the time it was claimed.
func (q *Queue) attempt(ctx context.Context, id string) (ok bool, attempted bool, err error) {
	var claimed *Entry
	err = q.mutate(ctx, func(entries []*Entry) ([]*Entry, error) {
		for _, e := range entries {
			if e.ID != id {
				continue
			}
			if e.Status == StatusPending || (e.Status == StatusFailed && e.RetryCount < q.config.MaxRetries) {
				now := q.timeSource.Now()
				e.Status = StatusUploading
				e.LastAttemptAt = &now
				copied := *e
				claimed = &copied
			}
			break
		}
		return entries, nil
	})
	if err != nil || claimed == nil {
		return false, false, err
	}

	_, procErr := q.processor.Process(ctx, claimed.Submission())
	if procErr != nil && ctx.Err() != nil {
		slog.Warn("attempt interrupted, leaving entry uploading", "id", id, "error", procErr)
		return false, true, ctx.Err()
	}

	// the outcome is recorded even if ctx is cancelled once processing returns
	err = q.mutate(context.WithoutCancel(ctx), func(entries []*Entry) ([]*Entry, error) {
		kept := entries[:0]
		for _, e := range entries {
			if e.ID != id {
				kept = append(kept, e)
				continue
			}
			if procErr == nil {
				// completed entries leave the queue
				e.Status = StatusCompleted
				continue
			}
			e.Status = StatusFailed
			e.LastError = procErr.Error()
			if recognition.IsTransient(procErr) {
				e.RetryCount = min(e.RetryCount+1, q.config.MaxRetries)
			} else {
				// permanent failures will not succeed on retry
				e.RetryCount = q.config.MaxRetries
			}
			kept = append(kept, e)
		}
		return kept, nil
	})
	if err != nil {
		return false, true, err
	}

	if procErr != nil {
		slog.Warn("queued submission failed", "id", id, "error", procErr)
		return false, true, nil
	}
	slog.Info("queued submission processed", "id", id)
	return true, true, nil
}

// Maintain purges expired entries and reconciles entries left uploading
func (q *Queue) Maintain(ctx context.Context) (MaintenanceResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	return q.maintain(ctx)
}

// maintain must be called with drainMu held, which guarantees that no
// attempt is in flight and any uploading entry is left over from an
// interrupted run
func (q *Queue) maintain(ctx context.Context) (MaintenanceResult, error) {
	var result MaintenanceResult
	now := q.timeSource.Now()
	cutoff := now.Add(-q.config.MaxAge)

	err := q.mutate(ctx, func(entries []*Entry) ([]*Entry, error) {
		kept := entries[:0]
		for _, e := range entries {
			if e.CreatedAt.Before(cutoff) || e.Status == StatusCompleted {
				result.Purged++
				continue
			}
			if e.Status == StatusUploading {
				e.Status = StatusFailed
				if e.LastError == "" {
					e.LastError = "interrupted"
				}
				result.Reconciled++
			}
			kept = append(kept, e)
		}
		return kept, nil
	})
	if err != nil {
		return MaintenanceResult{}, err
	}

	if result.Purged > 0 || result.Reconciled > 0 {
		slog.Info("queue maintenance", "purged", result.Purged, "reconciled", result.Reconciled)
	}
	return result, nil
}

// List returns every entry, oldest first
func (q *Queue) List(ctx context.Context) ([]*Entry, error) {
	entries, err := q.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Remove deletes an entry at the caller's request
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.mutate(ctx, func(entries []*Entry) ([]*Entry, error) {
		for i, e := range entries {
			if e.ID == id {
				return append(entries[:i], entries[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	})
}

// Stats counts entries by status
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	entries, err := q.snapshot(ctx)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, e := range entries {
		stats.Total++
		switch e.Status {
		case StatusPending:
			stats.Pending++
		case StatusUploading:
			stats.Uploading++
		case StatusFailed:
			stats.Failed++
			if e.RetryCount >= q.config.MaxRetries {
				stats.Exhausted++
			}
		}
	}
	return stats, nil
}

// IsInvalid reports whether err is a submission validation error
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidSubmission)
}
