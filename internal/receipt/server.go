package receipt

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/couple-budget/internal/queue"
)

// Queue is the submission queue as seen by the HTTP layer
type Queue interface {
	Submit(ctx context.Context, sub queue.Submission) (*queue.SubmitResult, error)
	Drain(ctx context.Context) (queue.DrainResult, error)
	RetryFailedUploads(ctx context.Context) (queue.DrainResult, error)
	List(ctx context.Context) ([]*queue.Entry, error)
	Remove(ctx context.Context, id string) error
	Stats(ctx context.Context) (queue.Stats, error)
}

// Server handles HTTP requests for expenses, receipts and the queue
type Server struct {
	service      *Service
	queue        Queue
	connectivity queue.Connectivity
	basicAuth    BasicAuth
	version      string
	mux          *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, q Queue, connectivity queue.Connectivity, basicAuth BasicAuth, version string) *Server {
	return NewServerWithMux(service, q, connectivity, basicAuth, version, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, q Queue, connectivity queue.Connectivity, basicAuth BasicAuth, version string, mux *http.ServeMux) *Server {
	s := &Server{
		service:      service,
		queue:        q,
		connectivity: connectivity,
		basicAuth:    basicAuth,
		version:      version,
		mux:          mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(credentials[0]), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(credentials[1]), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Couple Budget"`)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// receipts
	s.mux.HandleFunc("POST /api/receipts/scan", s.requireAuth(s.handleScanReceipt))
	s.mux.HandleFunc("POST /api/receipts/process", s.requireAuth(s.handleProcessReceipt))
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleUploadReceipt))

	// expenses
	s.mux.HandleFunc("GET /api/expenses/{id}/receipt", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/expenses/{id}", s.requireAuth(s.handleGetExpense))
	s.mux.HandleFunc("DELETE /api/expenses/{id}", s.requireAuth(s.handleDeleteExpense))
	s.mux.HandleFunc("GET /api/expenses", s.requireAuth(s.handleListExpenses))

	// queue
	s.mux.HandleFunc("POST /api/queue/drain", s.requireAuth(s.handleDrainQueue))
	s.mux.HandleFunc("POST /api/queue/retry", s.requireAuth(s.handleRetryQueue))
	s.mux.HandleFunc("DELETE /api/queue/{id}", s.requireAuth(s.handleRemoveQueueEntry))
	s.mux.HandleFunc("GET /api/queue", s.requireAuth(s.handleListQueue))
	s.mux.HandleFunc("POST /api/queue", s.requireAuth(s.handleSubmit))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
