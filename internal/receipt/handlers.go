package receipt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/couple-budget/internal/pipeline"
	"github.com/zombor/couple-budget/internal/queue"
	"github.com/zombor/couple-budget/internal/recognition"
)

// maxJSONBody allows a base64 encoded image of the largest accepted size
const maxJSONBody = recognition.MaxImageBytes*4/3 + 1<<20

// maxFormSize bounds multipart uploads
const maxFormSize = int64(recognition.MaxImageBytes + 1<<20)

// response is the envelope of every API response
type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, response{Success: false, Error: message})
}

// writeFailure maps service errors to status codes. A persistence failure
// still carries the pipeline result.
func writeFailure(w http.ResponseWriter, err error, data any) {
	var validationErr *ValidationError
	var persistenceErr *PersistenceError
	var serviceErr *recognition.ServiceError
	var fetchErr *FetchError

	switch {
	case errors.As(err, &validationErr), recognition.IsValidation(err), queue.IsInvalid(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, queue.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "recognition service is unreachable")
	case errors.As(err, &persistenceErr):
		slog.Error("Error persisting result", "error", err)
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Data: data, Error: err.Error()})
	case errors.As(err, &serviceErr):
		status := http.StatusBadGateway
		if serviceErr.Transient() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response{Success: false, Data: data, Error: err.Error()})
	case errors.As(err, &fetchErr):
		status := http.StatusBadGateway
		if fetchErr.Transient() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response{Success: false, Data: data, Error: err.Error()})
	default:
		slog.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// resultData keeps a nil result out of the envelope
func resultData(result *pipeline.Result) any {
	if result == nil {
		return nil
	}
	return result
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body is too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// decodeImage accepts raw base64 or a data URL and returns the bytes and any declared content type
func decodeImage(encoded string) ([]byte, string, error) {
	contentType := ""
	if strings.HasPrefix(encoded, "data:") {
		header, payload, ok := strings.Cut(encoded, ",")
		if !ok {
			return nil, "", invalid("malformed data URL")
		}
		contentType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		encoded = payload
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, "", invalid("imageBase64 is not valid base64")
	}
	return data, contentType, nil
}

// handleHealth reports liveness, connectivity and queue depth
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":  "ok",
		"version": s.version,
		"online":  s.connectivity.Online(),
	}
	if stats, err := s.queue.Stats(r.Context()); err == nil {
		health["queue"] = stats
	} else {
		slog.Warn("Error reading queue stats", "error", err)
	}
	writeData(w, http.StatusOK, health)
}

// handleScanReceipt runs the pipeline on an inline image
func (s *Server) handleScanReceipt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageBase64 string `json:"imageBase64"`
		ContentType string `json:"contentType"`
		CoupleID    string `json:"coupleId"`
		UserID      string `json:"userId"`
		Description string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ImageBase64 == "" {
		writeError(w, http.StatusBadRequest, "imageBase64 is required")
		return
	}

	data, contentType, err := decodeImage(req.ImageBase64)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	if req.ContentType != "" {
		contentType = req.ContentType
	}

	result, err := s.service.ScanImage(r.Context(), ScanRequest{
		Data:        data,
		ContentType: contentType,
		CoupleID:    req.CoupleID,
		UserID:      req.UserID,
		Description: req.Description,
	})
	if err != nil {
		writeFailure(w, err, resultData(result))
		return
	}
	writeData(w, http.StatusOK, result)
}

// handleProcessReceipt processes the stored receipt of an existing expense
func (s *Server) handleProcessReceipt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpenseID   string `json:"expenseId"`
		ReceiptURL  string `json:"receiptUrl"`
		CoupleID    string `json:"coupleId"`
		UserID      string `json:"userId"`
		Description string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.service.ProcessStoredReceipt(r.Context(), ProcessRequest{
		ExpenseID:   req.ExpenseID,
		ReceiptURL:  req.ReceiptURL,
		CoupleID:    req.CoupleID,
		UserID:      req.UserID,
		Description: req.Description,
	})
	if err != nil {
		writeFailure(w, err, resultData(result))
		return
	}
	writeData(w, http.StatusOK, result)
}

// handleUploadReceipt stores an uploaded image as a new expense and submits it to the queue
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File is too large. Please compress or resize your image.")
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file was selected. Please choose a file to upload.")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeForExt(filepath.Ext(header.Filename))
	}

	expense, err := s.service.UploadReceipt(r.Context(), UploadRequest{
		Filename:    header.Filename,
		Data:        data,
		ContentType: strings.ToLower(strings.TrimSpace(contentType)),
		CoupleID:    r.FormValue("coupleId"),
		UserID:      r.FormValue("userId"),
		Description: r.FormValue("description"),
	})
	if err != nil {
		writeFailure(w, err, nil)
		return
	}

	submitted, err := s.queue.Submit(r.Context(), queue.Submission{
		ImageRef:    expense.ReceiptURL,
		CoupleID:    expense.CoupleID,
		UserID:      expense.UserID,
		ExpenseID:   expense.ID,
		Description: expense.Description,
		Priority:    queue.Priority(r.FormValue("priority")),
	})
	if err != nil {
		// the expense exists either way; report why processing did not happen
		writeFailure(w, err, map[string]any{"expense": expense})
		return
	}

	if submitted.Uploaded {
		if updated, err := s.service.GetExpense(expense.ID); err == nil {
			expense = updated
		}
	}
	writeData(w, http.StatusCreated, map[string]any{
		"expense":    expense,
		"submission": submitted,
	})
}

// contentTypeForExt guesses the type of phone uploads that arrive without one
func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleGetExpense returns a single expense
func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	expense, err := s.service.GetExpense(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeData(w, http.StatusOK, expense)
}

// handleListExpenses returns the expenses of a couple
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.service.ListExpenses(r.URL.Query().Get("coupleId"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeData(w, http.StatusOK, expenses)
}

// handleDeleteExpense deletes an expense and its receipt
func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteExpense(r.PathValue("id")); err != nil {
		writeFailure(w, err, nil)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetReceiptFile returns the stored receipt image of an expense
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	setCORSHeaders(w)
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleSubmit submits an image reference to the queue
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub queue.Submission
	if !decodeJSON(w, r, &sub) {
		return
	}

	result, err := s.queue.Submit(r.Context(), sub)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}

	status := http.StatusAccepted
	if result.Uploaded {
		status = http.StatusOK
	}
	writeData(w, status, result)
}

// handleListQueue returns every queued entry with summary counts
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.List(r.Context())
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"entries": entries, "stats": stats})
}

// handleRemoveQueueEntry drops an entry from the queue
func (s *Server) handleRemoveQueueEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeFailure(w, err, nil)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleDrainQueue replays queued submissions now
func (s *Server) handleDrainQueue(w http.ResponseWriter, r *http.Request) {
	result, err := s.queue.Drain(r.Context())
	if err != nil {
		writeFailure(w, err, result)
		return
	}
	writeData(w, http.StatusOK, result)
}

// handleRetryQueue retries failed submissions that still have attempts left
func (s *Server) handleRetryQueue(w http.ResponseWriter, r *http.Request) {
	result, err := s.queue.RetryFailedUploads(r.Context())
	if err != nil {
		writeFailure(w, err, result)
		return
	}
	writeData(w, http.StatusOK, result)
}
