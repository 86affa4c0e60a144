package receipt

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/couple-budget/internal/classify"
	"github.com/zombor/couple-budget/internal/extraction"
	"github.com/zombor/couple-budget/internal/pipeline"
)

// ExpenseStatus tracks where an expense is in receipt processing
type ExpenseStatus string

const (
	StatusPending     ExpenseStatus = "pending"
	StatusProcessing  ExpenseStatus = "processing"
	StatusProcessed   ExpenseStatus = "processed"
	StatusNeedsReview ExpenseStatus = "needs_review"
	StatusFailed      ExpenseStatus = "failed"
)

// Expense is a shared expense of a couple, optionally backed by a receipt image
type Expense struct {
	ID            string               `json:"id"`
	CoupleID      string               `json:"coupleId"`
	UserID        string               `json:"userId"`
	Merchant      string               `json:"merchant,omitempty"`
	Amount        *decimal.Decimal     `json:"amount,omitempty"`
	Currency      string               `json:"currency,omitempty"`
	Category      string               `json:"category,omitempty"`
	Description   string               `json:"description,omitempty"`
	Date          time.Time            `json:"date"`
	ReceiptURL    string               `json:"receiptUrl,omitempty"`
	ContentType   string               `json:"contentType,omitempty"`
	Status        ExpenseStatus        `json:"status"`
	OCRData       *OCRData             `json:"ocrData,omitempty"`
	MLPredictions *classify.Prediction `json:"mlPredictions,omitempty"`
	ProcessedAt   *time.Time           `json:"processedAt,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// OCRData is the recognition and extraction output stored with an expense
type OCRData struct {
	RawText    string                    `json:"rawText"`
	Confidence float64                   `json:"confidence"`
	Warning    string                    `json:"warning,omitempty"`
	ErrorCode  string                    `json:"errorCode,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Parsed     *extraction.ParsedReceipt `json:"parsed,omitempty"`
}

// newOCRData flattens a pipeline result for storage
func newOCRData(result *pipeline.Result) *OCRData {
	return &OCRData{
		RawText:    result.Recognition.RawText,
		Confidence: result.Recognition.Confidence,
		Warning:    result.Recognition.Warning,
		ErrorCode:  string(result.Recognition.ErrorCode),
		Error:      result.Recognition.Error,
		Parsed:     result.Receipt,
	}
}

// applyResult records a finished pipeline run on the expense. Fields the
// couple already filled in are left alone.
func (e *Expense) applyResult(result *pipeline.Result, now time.Time) {
	e.OCRData = newOCRData(result)
	e.MLPredictions = result.Prediction
	e.ProcessedAt = &now
	e.UpdatedAt = now

	if !result.HasReceipt() {
		e.Status = StatusNeedsReview
		return
	}

	parsed := result.Receipt
	if e.Merchant == "" {
		e.Merchant = parsed.Merchant
	}
	if e.Amount == nil && parsed.Amount != nil {
		amount := *parsed.Amount
		e.Amount = &amount
	}
	if e.Currency == "" {
		e.Currency = parsed.Currency
	}
	if e.Date.IsZero() && parsed.DateExtracted {
		e.Date = parsed.Date
	}
	if e.Category == "" && result.Prediction != nil {
		e.Category = result.Prediction.Category
	}

	e.Status = StatusProcessed
	if parsed.Amount == nil || result.Prediction == nil || result.Prediction.BelowThreshold {
		e.Status = StatusNeedsReview
	}
}

// historyRecords turns categorized expenses into classifier history
func historyRecords(expenses []*Expense, excludeID string) []classify.HistoryRecord {
	history := make([]classify.HistoryRecord, 0, len(expenses))
	for _, e := range expenses {
		if e.ID == excludeID || e.Merchant == "" || e.Category == "" {
			continue
		}
		record := classify.HistoryRecord{Merchant: e.Merchant, Category: e.Category}
		if e.Amount != nil {
			record.Amount = *e.Amount
		}
		history = append(history, record)
	}
	return history
}
