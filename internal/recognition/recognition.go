package recognition

import "context"

// Outcome tags the shape of a recognition result
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeNoTextDetected Outcome = "no_text_detected"
	OutcomeBlankImage     Outcome = "blank_image"
	OutcomeTransientError Outcome = "transient_error"
	OutcomePermanentError Outcome = "permanent_error"
)

// DefaultConfidence is reported when the service returns text but no page score.
// It is a policy value, not a measurement.
const DefaultConfidence = 0.85

// LowConfidenceThreshold is the score below which a warning is attached
const LowConfidenceThreshold = 0.5

// MaxImageBytes is the largest inline image accepted
const MaxImageBytes = 20 << 20

// Result is the normalized output of one recognition call.
// A blank image (no page could be located at all) is reported with
// OutcomeBlankImage rather than as a failure.
type Result struct {
	Outcome    Outcome   `json:"outcome"`
	Success    bool      `json:"success"`
	RawText    string    `json:"rawText"`
	Confidence float64   `json:"confidence"`
	Warning    string    `json:"warning,omitempty"`
	ErrorCode  ErrorCode `json:"errorCode,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// IsBlank reports whether the result is the blank-image sentinel
func (r Result) IsBlank() bool {
	return r.Outcome == OutcomeBlankImage
}

// Source is the image handed to the recognizer: either a URL or inline bytes
type Source struct {
	URL         string
	Bytes       []byte
	ContentType string
}

// Request is what an Annotator receives
type Request struct {
	ImageURI    string
	ImageBytes  []byte
	ContentType string
}

// TextAnnotation is one detected block of text. The first annotation holds the full text.
type TextAnnotation struct {
	Description string `json:"description"`
}

// Page carries page level metadata. Confidence is nil when the service did not score the page.
type Page struct {
	Confidence *float64 `json:"confidence,omitempty"`
}

// FullTextAnnotation is the document structure returned alongside the text
type FullTextAnnotation struct {
	Text  string `json:"text"`
	Pages []Page `json:"pages"`
}

// AnnotateResponse mirrors the response shape of the text recognition service
type AnnotateResponse struct {
	TextAnnotations    []TextAnnotation    `json:"textAnnotations"`
	FullTextAnnotation *FullTextAnnotation `json:"fullTextAnnotation,omitempty"`
}

// Annotator is the external text recognition capability
type Annotator interface {
	// Annotate runs text detection on the image and returns the ordered response list
	Annotate(ctx context.Context, req Request) ([]AnnotateResponse, error)
	// Close releases any resources held by the annotator
	Close() error
}
