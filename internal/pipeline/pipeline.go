// Package pipeline runs one receipt image through recognition, extraction
// and classification.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/zombor/couple-budget/internal/classify"
	"github.com/zombor/couple-budget/internal/extraction"
	"github.com/zombor/couple-budget/internal/recognition"
)

// Recognizer reads the text of a receipt image
type Recognizer interface {
	Recognize(ctx context.Context, src recognition.Source) (recognition.Result, error)
}

// Parser turns recognized text into receipt fields
type Parser interface {
	Parse(rawText string) extraction.ParsedReceipt
}

// Classifier suggests a category for a parsed receipt
type Classifier interface {
	Classify(in classify.Input, history []classify.HistoryRecord) classify.Prediction
}

// Request is a single image plus the context needed to classify it
type Request struct {
	Source      recognition.Source
	Description string
	History     []classify.HistoryRecord
}

// Result is the combined output of one run. Receipt and Prediction are nil
// when recognition produced no text.
type Result struct {
	Recognition recognition.Result        `json:"recognition"`
	Receipt     *extraction.ParsedReceipt `json:"receipt,omitempty"`
	Prediction  *classify.Prediction      `json:"prediction,omitempty"`
}

// Blank reports whether the image had no readable page at all
func (r *Result) Blank() bool {
	return r.Recognition.IsBlank()
}

// HasReceipt reports whether text was recognized and parsed
func (r *Result) HasReceipt() bool {
	return r.Receipt != nil
}

// Pipeline chains the three stages. Each stage needs the previous one's
// output, so a run is strictly sequential.
type Pipeline struct {
	recognizer Recognizer
	parser     Parser
	classifier Classifier
}

// New creates a Pipeline
func New(recognizer Recognizer, parser Parser, classifier Classifier) *Pipeline {
	return &Pipeline{
		recognizer: recognizer,
		parser:     parser,
		classifier: classifier,
	}
}

// Run recognizes, parses and classifies one image. A recognition error is
// returned together with the partial result so callers can record what
// happened; once text is available the run always completes.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	rec, err := p.recognizer.Recognize(ctx, req.Source)
	result := &Result{Recognition: rec}
	if err != nil {
		slog.Warn("recognition failed", "error", err, "code", rec.ErrorCode)
		return result, err
	}

	if rec.IsBlank() {
		slog.Info("blank image, nothing to parse")
		return result, nil
	}
	if !rec.Success {
		slog.Info("no text recognized", "code", rec.ErrorCode)
		return result, nil
	}
	if rec.Warning != "" {
		slog.Warn("low recognition confidence", "confidence", rec.Confidence, "warning", rec.Warning)
	}

	parsed := p.parser.Parse(rec.RawText)
	result.Receipt = &parsed

	prediction := p.classifier.Classify(classify.Input{
		Merchant:    parsed.Merchant,
		Amount:      parsed.Amount,
		Description: req.Description,
	}, req.History)
	result.Prediction = &prediction

	slog.Info("receipt processed",
		"merchant", parsed.Merchant,
		"amount", parsed.Amount,
		"category", prediction.Category,
		"confidence", parsed.Confidence)
	return result, nil
}
