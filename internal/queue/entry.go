// Package queue holds receipt submissions that could not be processed
// immediately and replays them once connectivity returns.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority orders entries during a drain
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Status is the lifecycle state of an entry. Entries move
// pending -> uploading -> completed|failed and failed -> uploading on retry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one queued submission
type Entry struct {
	ID            string     `json:"id"`
	ImageRef      string     `json:"imageRef"`
	CoupleID      string     `json:"coupleId"`
	UserID        string     `json:"userId"`
	ExpenseID     string     `json:"expenseId,omitempty"`
	Description   string     `json:"description,omitempty"`
	Priority      Priority   `json:"priority"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retryCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// Submission returns the work described by the entry
func (e *Entry) Submission() Submission {
	return Submission{
		ImageRef:    e.ImageRef,
		CoupleID:    e.CoupleID,
		UserID:      e.UserID,
		ExpenseID:   e.ExpenseID,
		Description: e.Description,
		Priority:    e.Priority,
	}
}

// Submission is a request to process one receipt image. ImageRef is either
// a URL or a path in the object store.
type Submission struct {
	ImageRef    string   `json:"imageRef"`
	CoupleID    string   `json:"coupleId"`
	UserID      string   `json:"userId"`
	ExpenseID   string   `json:"expenseId,omitempty"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
}

// ErrInvalidSubmission is wrapped by every submission validation error
var ErrInvalidSubmission = errors.New("invalid submission")

// ErrNotFound is returned when an entry does not exist
var ErrNotFound = errors.New("queue entry not found")

// ErrOffline is returned by Drain while the connectivity check reports offline
var ErrOffline = errors.New("offline")

// Validate checks the required fields
func (s Submission) Validate() error {
	if strings.TrimSpace(s.ImageRef) == "" {
		return fmt.Errorf("%w: imageRef is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(s.CoupleID) == "" {
		return fmt.Errorf("%w: coupleId is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidSubmission)
	}
	if s.Priority != "" && !s.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidSubmission, s.Priority)
	}
	return nil
}
