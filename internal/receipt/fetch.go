package receipt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/couple-budget/internal/recognition"
)

// URLFetcher downloads receipt images referenced by URL. The Service uses
// one when the recognition backend cannot read URLs itself.
type URLFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// HTTPFetcher fetches images over HTTP
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher with the given timeout
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return NewHTTPFetcherWithClient(&http.Client{Timeout: timeout})
}

// NewHTTPFetcherWithClient creates an HTTPFetcher with a custom HTTP client for testing
func NewHTTPFetcherWithClient(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client}
}

// Fetch downloads url. Failures other than a missing image or a bad URL are
// returned as a *FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", invalid("invalid receipt url: %v", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", fmt.Errorf("image %s: %w", url, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, "", &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, recognition.MaxImageBytes+1))
	if err != nil {
		return nil, "", &FetchError{URL: url, Err: fmt.Errorf("reading body: %w", err)}
	}
	if len(data) > recognition.MaxImageBytes {
		return nil, "", invalid("image exceeds %d bytes", recognition.MaxImageBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return data, strings.TrimSpace(contentType), nil
}

func isURL(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "gs://")
}
