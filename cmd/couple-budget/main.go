package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/couple-budget/internal/classify"
	"github.com/zombor/couple-budget/internal/extraction"
	"github.com/zombor/couple-budget/internal/pipeline"
	"github.com/zombor/couple-budget/internal/queue"
	"github.com/zombor/couple-budget/internal/receipt"
	"github.com/zombor/couple-budget/internal/recognition"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("couple-budget")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "couple-budget.db", "Expense database file path")
		queuePath     = fs.StringLong("queue-db", "couple-budget-queue.db", "Submission queue database file path")
		storagePath   = fs.StringLong("storage", "./receipts", "Receipt storage directory path")
		recognizer    = fs.StringLong("recognizer", "vision", "Recognition backend: 'vision', 'gemini' or 'ollama'")
		visionKey     = fs.StringLong("vision-key", "", "Google Cloud Vision API key (or set GOOGLE_VISION_API_KEY env var)")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		rulesFile     = fs.StringLong("rules-file", "", "Classifier rule tables in YAML (defaults to the built-in rules)")
		ocrRetryBase  = fs.DurationLong("ocr-retry-base", 0, "Base delay between recognition retries (0 uses the default)")
		fetchTimeout  = fs.DurationLong("fetch-timeout", defaultFetchTimeout, "Timeout for downloading receipt URLs")
		maxRetries    = fs.IntLong("queue-max-retries", queue.DefaultConfig().MaxRetries, "Attempts before a queued submission is given up")
		maxAge        = fs.DurationLong("queue-max-age", queue.DefaultConfig().MaxAge, "Age after which queued submissions are purged")
		backoffBase   = fs.DurationLong("queue-backoff-base", queue.DefaultConfig().BackoffBase, "Base delay between queue retries")
		probeURL      = fs.StringLong("probe-url", defaultProbeURL, "URL probed to detect connectivity")
		probeInterval = fs.DurationLong("probe-interval", defaultProbeInterval, "Interval between connectivity probes")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("COUPLE_BUDGET"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize databases
	slog.Info("Initializing database...")
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	queueStore, err := queue.NewBoltStore(*queuePath)
	if err != nil {
		slog.Error("Failed to initialize queue database", "error", err)
		os.Exit(1)
	}
	defer queueStore.Close()

	// Initialize recognition backend
	var annotator recognition.Annotator
	var fetcher receipt.URLFetcher
	switch *recognizer {
	case "vision":
		apiKey := firstNonEmpty(*visionKey, os.Getenv("GOOGLE_VISION_API_KEY"))
		slog.Info("Initializing Cloud Vision annotator...", "api_key_set", apiKey != "")
		annotator, err = recognition.NewVision(ctx, apiKey)
		if err != nil {
			slog.Error("Failed to initialize Cloud Vision", "error", err)
			os.Exit(1)
		}
	case "gemini":
		apiKey := firstNonEmpty(*geminiKey, os.Getenv("GEMINI_API_KEY"))
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini annotator...", "model", *geminiModel)
		annotator, err = recognition.NewGemini(ctx, apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
		fetcher = receipt.NewHTTPFetcher(*fetchTimeout)
	case "ollama":
		slog.Info("Initializing Ollama annotator...", "url", *ollamaURL, "model", *ollamaModel)
		annotator = recognition.NewOllama(*ollamaURL, *ollamaModel)
		fetcher = receipt.NewHTTPFetcher(*fetchTimeout)
	default:
		slog.Error("Invalid recognizer", "type", *recognizer, "valid", "vision, gemini or ollama")
		os.Exit(1)
	}
	client := recognition.NewClientWithDeps(annotator, *ocrRetryBase, nil)
	defer client.Close()

	// Initialize classifier
	rules, err := loadRules(*rulesFile)
	if err != nil {
		slog.Error("Failed to load classifier rules", "error", err)
		os.Exit(1)
	}

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize service and queue
	runner := pipeline.New(client, extraction.NewParser(), classify.NewClassifier(rules))
	receiptService := receipt.NewService(db, store, runner, fetcher)

	// the queue reads connectivity from the monitor, which drains the queue on reconnect
	var q *queue.Queue
	monitor := queue.NewMonitor(queue.NewHTTPProbe(*probeURL, defaultProbeTimeout), *probeInterval, func(ctx context.Context) {
		result, err := q.Drain(ctx)
		if err != nil {
			slog.Error("Failed to drain queue", "error", err)
			return
		}
		slog.Info("Queue drained", "processed", result.Processed, "successful", result.Successful, "failed", result.Failed)
	})
	q = queue.NewQueue(queueStore, receiptService, monitor, queue.Config{
		MaxRetries:  *maxRetries,
		MaxAge:      *maxAge,
		BackoffBase: *backoffBase,
	})
	go monitor.Run(ctx)

	// Initialize server
	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, q, monitor, basicAuth, version)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "recognizer", *recognizer)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	<-ctx.Done()

	slog.Info("Shutting down...")
}

func loadRules(path string) (*classify.Rules, error) {
	if path == "" {
		return classify.DefaultRules()
	}
	slog.Info("Loading classifier rules", "path", path)
	return classify.LoadRules(path)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
