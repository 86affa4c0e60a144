package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama implements the Annotator interface using a local Ollama vision model
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama annotator
// Recommended models for receipt transcription:
//   - llava:1.6 (best balance of accuracy and speed)
//   - qwen2-vl:7b (good OCR capabilities)
//   - llava-phi3 (smaller, faster, but less accurate)
func NewOllama(baseURL string, modelName string) *Ollama {
	return NewOllamaWithClient(baseURL, modelName, &http.Client{
		Timeout: 120 * time.Second, // vision models are slow on CPU
	})
}

// NewOllamaWithClient creates a new Ollama annotator with a custom HTTP client
func NewOllamaWithClient(baseURL string, modelName string, client *http.Client) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}
	return &Ollama{
		baseURL: baseURL,
		model:   modelName,
		client:  client,
	}
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Annotate transcribes the receipt through the chat API
func (o *Ollama) Annotate(ctx context.Context, req Request) ([]AnnotateResponse, error) {
	if len(req.ImageBytes) == 0 {
		return nil, &CodedError{Code: CodeInvalidArgument, Err: fmt.Errorf("ollama requires inline image bytes")}
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an exact transcriber of receipts and invoices.",
			},
			{
				Role:    "user",
				Content: transcribePrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(req.ImageBytes)},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("calling ollama API: %w", ctx.Err())
		}
		return nil, &CodedError{Code: CodeUnavailable, Err: fmt.Errorf("calling ollama API: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &CodedError{
			Code: codeFromHTTPStatus(resp.StatusCode),
			Err:  fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body)),
		}
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &CodedError{Code: CodeInternal, Err: fmt.Errorf("decoding response: %w", err)}
	}

	return transcriptionResponse(chatResp.Message.Content), nil
}

// Close closes the Ollama annotator (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
