package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// MaxAttempts is the total number of calls made for transient failures
	MaxAttempts = 3

	defaultBaseDelay = 500 * time.Millisecond
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Client calls an Annotator with input validation and bounded retry
type Client struct {
	annotator Annotator
	baseDelay time.Duration
	sleep     SleepFunc
}

// NewClient creates a Client with the default backoff
func NewClient(annotator Annotator) *Client {
	return NewClientWithDeps(annotator, defaultBaseDelay, sleepContext)
}

// NewClientWithDeps creates a Client with a custom base delay and sleeper for testing
func NewClientWithDeps(annotator Annotator, baseDelay time.Duration, sleep SleepFunc) *Client {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if sleep == nil {
		sleep = sleepContext
	}
	return &Client{
		annotator: annotator,
		baseDelay: baseDelay,
		sleep:     sleep,
	}
}

// Close closes the underlying annotator
func (c *Client) Close() error {
	return c.annotator.Close()
}

// Recognize runs text recognition on the source.
// Validation failures and permanent service errors are returned without retry.
// Transient service errors are retried up to MaxAttempts calls in total.
func (c *Client) Recognize(ctx context.Context, src Source) (Result, error) {
	req, err := buildRequest(src)
	if err != nil {
		return failure(CodeValidation, err), err
	}

	delay := c.baseDelay
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		responses, err := c.annotator.Annotate(ctx, req)
		if err == nil {
			return interpret(responses), nil
		}

		code := Classify(err)
		if !code.Transient() {
			svcErr := &ServiceError{Code: code, Attempts: attempt, Err: err}
			slog.Error("Text recognition failed", "code", code, "attempt", attempt, "error", err)
			return failure(code, svcErr), svcErr
		}
		lastErr = err

		if attempt == MaxAttempts {
			break
		}

		slog.Warn("Text recognition failed, retrying",
			"attempt", attempt,
			"max_attempts", MaxAttempts,
			"delay", delay,
			"code", code,
			"error", err)

		if err := c.sleep(ctx, delay); err != nil {
			svcErr := &ServiceError{Code: CodeCancelled, Attempts: attempt, Err: err}
			return failure(CodeCancelled, svcErr), svcErr
		}
		delay *= 2
	}

	svcErr := &ServiceError{Code: Classify(lastErr), Attempts: MaxAttempts, Err: lastErr}
	slog.Error("Text recognition retries exhausted", "attempts", MaxAttempts, "error", lastErr)
	return failure(svcErr.Code, svcErr), svcErr
}

func failure(code ErrorCode, err error) Result {
	outcome := OutcomePermanentError
	if code.Transient() {
		outcome = OutcomeTransientError
	}
	return Result{
		Outcome:   outcome,
		Success:   false,
		ErrorCode: code,
		Error:     err.Error(),
	}
}

// buildRequest validates the source and prepares the image payload
func buildRequest(src Source) (Request, error) {
	hasURL := src.URL != ""
	hasBytes := src.Bytes != nil

	switch {
	case hasURL && hasBytes:
		return Request{}, &ValidationError{Message: "provide either a URL or image bytes, not both"}
	case hasURL:
		uri := strings.TrimSpace(src.URL)
		if uri == "" {
			return Request{}, &ValidationError{Field: "url", Message: "must not be blank"}
		}
		return Request{ImageURI: uri}, nil
	case hasBytes:
		if len(src.Bytes) == 0 {
			return Request{}, &ValidationError{Field: "bytes", Message: "must not be empty"}
		}
		if len(src.Bytes) > MaxImageBytes {
			return Request{}, &ValidationError{
				Field:   "bytes",
				Message: fmt.Sprintf("image is %d bytes, maximum is %d", len(src.Bytes), MaxImageBytes),
			}
		}
		data, contentType, err := prepareImageData(src.Bytes, src.ContentType)
		if err != nil {
			return Request{}, &ValidationError{Field: "bytes", Message: err.Error()}
		}
		return Request{ImageBytes: data, ContentType: contentType}, nil
	default:
		return Request{}, &ValidationError{Message: "a URL or image bytes are required"}
	}
}

// interpret normalizes the service response into a Result
func interpret(responses []AnnotateResponse) Result {
	if len(responses) == 0 {
		return Result{Outcome: OutcomeBlankImage}
	}
	first := responses[0]

	text := ""
	if len(first.TextAnnotations) > 0 {
		text = strings.TrimSpace(first.TextAnnotations[0].Description)
	}

	if text == "" {
		if first.FullTextAnnotation == nil {
			return Result{Outcome: OutcomeBlankImage}
		}
		return Result{
			Outcome:    OutcomeNoTextDetected,
			Success:    false,
			RawText:    "",
			Confidence: 0,
			ErrorCode:  CodeNoText,
			Error:      "No text detected",
		}
	}

	confidence := DefaultConfidence
	if fta := first.FullTextAnnotation; fta != nil && len(fta.Pages) > 0 && fta.Pages[0].Confidence != nil {
		confidence = clamp(*fta.Pages[0].Confidence)
	}

	result := Result{
		Outcome:    OutcomeSuccess,
		Success:    true,
		RawText:    text,
		Confidence: confidence,
	}
	if confidence > 0 && confidence < LowConfidenceThreshold {
		result.Warning = fmt.Sprintf("Low text recognition confidence (%.0f%%); please check the extracted values", confidence*100)
	}
	return result
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
