package sfm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxRetries   = 3

	defaultBaseBackoff = 500 * time.Millisecond
	// maxResponseBytes caps a downloaded view graph.
	maxResponseBytes = 50 << 20
)

// FetchOption configures FetchRequest.
type FetchOption func(*fetcher)

// fetcher downloads a view graph with retries.
type fetcher struct {
	client   *http.Client
	timeout  time.Duration
	attempts int
	backoff  time.Duration
}

// WithTimeout sets the per-attempt timeout of the default client.
func WithTimeout(d time.Duration) FetchOption {
	return func(f *fetcher) { f.timeout = d }
}

// WithMaxRetries sets how many attempts are made, at least one.
func WithMaxRetries(n int) FetchOption {
	return func(f *fetcher) { f.attempts = max(n, 1) }
}

// WithBaseBackoff sets the delay before the second attempt; each further
// delay doubles it.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(f *fetcher) { f.backoff = d }
}

// WithHTTPClient replaces the default client. WithTimeout is then ignored.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(f *fetcher) { f.client = client }
}

// FetchRequest downloads relative rotations from url. The body may be a JSON
// request, a bare JSON array of relative rotations, or a g2o pose graph.
// Network errors and non-200 statuses are retried; a body that does not
// parse is returned as an error right away.
func FetchRequest(ctx context.Context, url string, opts ...FetchOption) (*AveragingRequest, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch relative rotations: URL is empty")
	}

	f := &fetcher{timeout: DefaultFetchTimeout, attempts: DefaultMaxRetries, backoff: defaultBaseBackoff}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: f.timeout}
	}

	body, err := f.fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch relative rotations: %w", err)
	}
	req, err := decodeRequestBody(body)
	if err != nil {
		return nil, fmt.Errorf("fetch relative rotations: %w", err)
	}
	return req, nil
}

// fetch runs up to f.attempts GETs, sleeping f.backoff·2^(k-1) before
// attempt k.
func (f *fetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	delay := f.backoff
	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		body, err := f.get(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", f.attempts, lastErr)
}

func (f *fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", url, err)
	}
	return body, nil
}

// decodeRequestBody sniffs JSON by its first byte and falls back to g2o.
func decodeRequestBody(body []byte) (*AveragingRequest, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return ParseRequestJSON(trimmed)
	}
	g, err := ReadG2O(bytes.NewReader(trimmed))
	if err != nil {
		return nil, err
	}
	if len(g.Edges) == 0 {
		return nil, fmt.Errorf("body is neither JSON nor a g2o graph with edges")
	}
	rs, _ := g.Rotations()
	return &AveragingRequest{NumViews: max(len(rs), g.Edges.NumViews()), RelativeRotations: g.Edges}, nil
}
