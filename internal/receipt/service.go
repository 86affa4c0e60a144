package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/couple-budget/internal/classify"
	"github.com/zombor/couple-budget/internal/pipeline"
	"github.com/zombor/couple-budget/internal/queue"
	"github.com/zombor/couple-budget/internal/recognition"
)

// IDGenerator generates unique IDs for expenses
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Runner runs the receipt pipeline
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles expense and receipt operations
type Service struct {
	expenses    ExpenseStore
	storage     Storage
	runner      Runner
	fetcher     URLFetcher
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source.
// fetcher may be nil, in which case URLs are handed to the recognizer as is.
func NewService(expenses ExpenseStore, storage Storage, runner Runner, fetcher URLFetcher) *Service {
	return NewServiceWithDeps(expenses, storage, runner, fetcher, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(expenses ExpenseStore, storage Storage, runner Runner, fetcher URLFetcher, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		expenses:    expenses,
		storage:     storage,
		runner:      runner,
		fetcher:     fetcher,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	filenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaceRuns     = regexp.MustCompile(`\s+`)
	identifier    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !identifier.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = filenameChars.ReplaceAllString(base, "")
	base = spaceRuns.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// phone cameras produce very long names
	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}

func validateOwner(coupleID, userID string) error {
	if err := validateCouple(coupleID); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return invalid("userId is required")
	}
	return nil
}

func validateCouple(coupleID string) error {
	if !identifier.MatchString(coupleID) {
		return invalid("coupleId is required and may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// ScanRequest is an inline image submitted for immediate processing
type ScanRequest struct {
	Data        []byte
	ContentType string
	CoupleID    string
	UserID      string
	Description string
}

// ScanImage runs the pipeline on an inline image without storing anything
func (s *Service) ScanImage(ctx context.Context, req ScanRequest) (*pipeline.Result, error) {
	if err := validateCouple(req.CoupleID); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, invalid("image is required")
	}

	return s.runner.Run(ctx, pipeline.Request{
		Source:      recognition.Source{Bytes: req.Data, ContentType: req.ContentType},
		Description: req.Description,
		History:     s.history(req.CoupleID, ""),
	})
}

// UploadRequest is a receipt image to be stored and attached to a new expense
type UploadRequest struct {
	Filename    string
	Data        []byte
	ContentType string
	CoupleID    string
	UserID      string
	Description string
}

// UploadReceipt stores the image and creates a pending expense pointing at it
func (s *Service) UploadReceipt(ctx context.Context, req UploadRequest) (*Expense, error) {
	if err := validateOwner(req.CoupleID, req.UserID); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, invalid("file is empty")
	}
	if len(req.Data) > recognition.MaxImageBytes {
		return nil, invalid("file exceeds %d bytes", recognition.MaxImageBytes)
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	name := fmt.Sprintf("%s/%s_%s", req.CoupleID, id, sanitizeFilename(req.Filename))
	savedPath, err := s.storage.Save(name, req.Data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	expense := &Expense{
		ID:          id,
		CoupleID:    req.CoupleID,
		UserID:      req.UserID,
		Description: req.Description,
		ReceiptURL:  savedPath,
		ContentType: req.ContentType,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.expenses.SaveExpense(expense); err != nil {
		// Clean up file if database save fails
		if delErr := s.storage.Delete(savedPath); delErr != nil {
			slog.Warn("Failed to delete file", "path", savedPath, "error", delErr)
		}
		return nil, fmt.Errorf("saving expense to database: %w", err)
	}

	slog.Info("receipt uploaded", "expense_id", id, "path", savedPath, "size", len(req.Data))
	return expense, nil
}

// ProcessRequest asks for the receipt of an existing expense to be processed.
// ReceiptURL is a URL or a storage path; when empty the expense's own
// receipt is used.
type ProcessRequest struct {
	ExpenseID   string
	ReceiptURL  string
	CoupleID    string
	UserID      string
	Description string
}

// ProcessStoredReceipt runs the pipeline on an expense's receipt and writes
// status, ocrData, mlPredictions and processedAt back to the expense. When
// that write fails the result is returned along with a *PersistenceError.
func (s *Service) ProcessStoredReceipt(ctx context.Context, req ProcessRequest) (*pipeline.Result, error) {
	if strings.TrimSpace(req.ExpenseID) == "" {
		return nil, invalid("expenseId is required")
	}
	if err := validateOwner(req.CoupleID, req.UserID); err != nil {
		return nil, err
	}

	expense, err := s.expenses.GetExpense(req.ExpenseID)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}
	if expense.CoupleID != req.CoupleID {
		return nil, ErrForbidden
	}

	ref := req.ReceiptURL
	if ref == "" {
		ref = expense.ReceiptURL
	}
	if ref == "" {
		return nil, invalid("receiptUrl is required")
	}
	description := req.Description
	if description == "" {
		description = expense.Description
	}

	_, err = s.expenses.UpdateExpense(expense.ID, func(e *Expense) error {
		e.Status = StatusProcessing
		e.ReceiptURL = ref
		e.UpdatedAt = s.timeSource.Now()
		return nil
	})
	if err != nil {
		return nil, &PersistenceError{ExpenseID: expense.ID, Err: err}
	}

	result, err := s.run(ctx, ref, expense.ContentType, description, s.history(expense.CoupleID, expense.ID))
	if err != nil {
		s.recordFailure(expense.ID, result, err)
		return result, err
	}

	_, err = s.expenses.UpdateExpense(expense.ID, func(e *Expense) error {
		e.applyResult(result, s.timeSource.Now())
		return nil
	})
	if err != nil {
		slog.Error("Failed to save processing result", "expense_id", expense.ID, "error", err)
		return result, &PersistenceError{ExpenseID: expense.ID, Err: err}
	}

	slog.Info("expense processed", "expense_id", expense.ID, "has_receipt", result.HasReceipt())
	return result, nil
}

// Process handles a queued submission. Submissions tied to an expense update
// it; others create a new expense once the pipeline succeeds, so retries
// never produce duplicates.
func (s *Service) Process(ctx context.Context, sub queue.Submission) (*pipeline.Result, error) {
	if sub.ExpenseID != "" {
		return s.ProcessStoredReceipt(ctx, ProcessRequest{
			ExpenseID:   sub.ExpenseID,
			ReceiptURL:  sub.ImageRef,
			CoupleID:    sub.CoupleID,
			UserID:      sub.UserID,
			Description: sub.Description,
		})
	}

	if err := validateOwner(sub.CoupleID, sub.UserID); err != nil {
		return nil, err
	}
	result, err := s.run(ctx, sub.ImageRef, "", sub.Description, s.history(sub.CoupleID, ""))
	if err != nil {
		return result, err
	}

	now := s.timeSource.Now()
	expense := &Expense{
		ID:          s.idGenerator.Generate(),
		CoupleID:    sub.CoupleID,
		UserID:      sub.UserID,
		Description: sub.Description,
		ReceiptURL:  sub.ImageRef,
		CreatedAt:   now,
	}
	expense.applyResult(result, now)

	if err := s.expenses.SaveExpense(expense); err != nil {
		return result, &PersistenceError{ExpenseID: expense.ID, Err: err}
	}
	slog.Info("expense created from submission", "expense_id", expense.ID)
	return result, nil
}

// run resolves the image reference and runs the pipeline
func (s *Service) run(ctx context.Context, ref, contentType, description string, history []classify.HistoryRecord) (*pipeline.Result, error) {
	src, err := s.source(ctx, ref, contentType)
	if err != nil {
		return nil, err
	}
	return s.runner.Run(ctx, pipeline.Request{Source: src, Description: description, History: history})
}

// source turns a URL or storage path into a recognition source
func (s *Service) source(ctx context.Context, ref, contentType string) (recognition.Source, error) {
	if isURL(ref) {
		if s.fetcher == nil || strings.HasPrefix(strings.ToLower(ref), "gs://") {
			return recognition.Source{URL: ref}, nil
		}
		data, fetchedType, err := s.fetcher.Fetch(ctx, ref)
		if err != nil {
			return recognition.Source{}, err
		}
		return recognition.Source{Bytes: data, ContentType: fetchedType}, nil
	}

	exists, err := s.storage.Exists(ref)
	if err != nil {
		return recognition.Source{}, fmt.Errorf("checking receipt: %w", err)
	}
	if !exists {
		return recognition.Source{}, fmt.Errorf("receipt %s: %w", ref, ErrNotFound)
	}
	data, err := s.storage.Download(ref)
	if err != nil {
		return recognition.Source{}, fmt.Errorf("downloading receipt: %w", err)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(ref)))
	}
	return recognition.Source{Bytes: data, ContentType: contentType}, nil
}

// recordFailure marks the expense after a failed run. Transient failures
// leave it pending since the queue will try again.
func (s *Service) recordFailure(id string, result *pipeline.Result, runErr error) {
	_, err := s.expenses.UpdateExpense(id, func(e *Expense) error {
		e.Status = StatusFailed
		if recognition.IsTransient(runErr) {
			e.Status = StatusPending
		}
		if result != nil {
			e.OCRData = newOCRData(result)
		} else {
			e.OCRData = &OCRData{}
		}
		e.OCRData.Error = runErr.Error()
		e.UpdatedAt = s.timeSource.Now()
		return nil
	})
	if err != nil {
		slog.Error("Failed to record processing failure", "expense_id", id, "error", err)
	}
}

// history loads the couple's categorized expenses for the classifier
func (s *Service) history(coupleID, excludeID string) []classify.HistoryRecord {
	expenses, err := s.expenses.ListExpenses(coupleID)
	if err != nil {
		slog.Warn("Failed to load expense history", "couple_id", coupleID, "error", err)
		return nil
	}
	return historyRecords(expenses, excludeID)
}

// GetExpense retrieves an expense by ID
func (s *Service) GetExpense(id string) (*Expense, error) {
	expense, err := s.expenses.GetExpense(id)
	if err != nil {
		return nil, fmt.Errorf("getting expense: %w", err)
	}
	return expense, nil
}

// ListExpenses returns the expenses of a couple
func (s *Service) ListExpenses(coupleID string) ([]*Expense, error) {
	if !identifier.MatchString(coupleID) {
		return nil, invalid("coupleId is required")
	}
	expenses, err := s.expenses.ListExpenses(coupleID)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	return expenses, nil
}

// DeleteExpense removes an expense and its stored receipt
func (s *Service) DeleteExpense(id string) error {
	expense, err := s.expenses.GetExpense(id)
	if err != nil {
		return fmt.Errorf("getting expense for deletion: %w", err)
	}

	if expense.ReceiptURL != "" && !isURL(expense.ReceiptURL) {
		if err := s.storage.Delete(expense.ReceiptURL); err != nil {
			// Log error but continue with database deletion
			slog.Warn("Failed to delete file", "path", expense.ReceiptURL, "error", err)
		}
	}

	if err := s.expenses.DeleteExpense(id); err != nil {
		return fmt.Errorf("deleting expense from database: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the stored receipt image of an expense
func (s *Service) GetReceiptFile(id string) ([]byte, string, error) {
	expense, err := s.expenses.GetExpense(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting expense: %w", err)
	}
	if expense.ReceiptURL == "" || isURL(expense.ReceiptURL) {
		return nil, "", fmt.Errorf("stored receipt for %s: %w", id, ErrNotFound)
	}

	data, err := s.storage.Download(expense.ReceiptURL)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	contentType := expense.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(expense.ReceiptURL)))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// IsNotFound reports whether err means a missing expense or receipt
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
