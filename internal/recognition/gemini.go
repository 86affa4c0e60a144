package recognition

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// transcribePrompt is the shared prompt used by the LLM backed annotators
const transcribePrompt = `You are reading a photographed or scanned purchase receipt.
Transcribe every piece of printed text exactly as it appears, top to bottom, one receipt line per output line.

Rules:
- Keep numbers, currency symbols, dates and punctuation exactly as printed
- Do not summarize, translate, correct or reformat anything
- Do not add commentary, markdown or code blocks
- If the image shows a document but no legible text, reply with exactly: NO_TEXT
- If the image does not show a document or page at all, reply with exactly: NO_PAGE`

const (
	noTextMarker = "NO_TEXT"
	noPageMarker = "NO_PAGE"
)

// Gemini implements the Annotator interface using Google Gemini transcription
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a new Gemini annotator
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client:  client,
		model:   model,
		timeout: 30 * time.Second,
	}, nil
}

// Annotate transcribes the receipt. Gemini reports no page score, so the
// returned page carries no confidence.
func (g *Gemini) Annotate(ctx context.Context, req Request) ([]AnnotateResponse, error) {
	if len(req.ImageBytes) == 0 {
		return nil, &CodedError{Code: CodeInvalidArgument, Err: fmt.Errorf("gemini requires inline image bytes")}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	format := strings.TrimPrefix(req.ContentType, "image/")
	if format == "" {
		format = "png"
	}

	resp, err := g.model.GenerateContent(ctx, genai.ImageData(format, req.ImageBytes), genai.Text(transcribePrompt))
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &CodedError{Code: CodeInternal, Err: fmt.Errorf("no response from gemini")}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	return transcriptionResponse(text.String()), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

// transcriptionResponse maps an LLM transcription onto the annotation shape
func transcriptionResponse(raw string) []AnnotateResponse {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```text")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	switch text {
	case noPageMarker:
		return nil
	case "", noTextMarker:
		return []AnnotateResponse{{FullTextAnnotation: &FullTextAnnotation{Pages: []Page{{}}}}}
	}

	return []AnnotateResponse{{
		TextAnnotations:    []TextAnnotation{{Description: text}},
		FullTextAnnotation: &FullTextAnnotation{Text: text, Pages: []Page{{}}},
	}}
}
