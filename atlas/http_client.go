package atlas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/golang/geo/r3"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for scan downloads.
	DefaultFetchTimeout = 5 * time.Minute

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 2 GB.
	maxResponseBytes = 2 << 30
)

// FetchOption configures FetchPoints behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// errPermanent marks a fetch failure that another attempt cannot fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

// FetchPoints downloads a scan and decodes it. URLs whose path ends in .las
// are read as LAS; anything else as a text scan (plain, gzip or zlib).
// Transient failures, including compressed bodies cut short in transit, are
// retried with exponential backoff. Client errors other than 408 and 429
// are not retried.
func FetchPoints(rawURL string, opts ...FetchOption) ([]r3.Vector, error) {
	return FetchPointsWithContext(context.Background(), rawURL, opts...)
}

// FetchPointsWithContext is like FetchPoints but accepts a context for cancellation.
func FetchPointsWithContext(ctx context.Context, rawURL string, opts ...FetchOption) ([]r3.Vector, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("fetch points: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch points: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, client, rawURL)
		if err != nil {
			var perm errPermanent
			if errors.As(err, &perm) {
				return nil, fmt.Errorf("fetch points: %w", perm.err)
			}
			lastErr = err
			continue
		}

		points, err := decodeFetched(rawURL, body)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			Logf("Scan from %s is truncated (%d bytes), retrying", rawURL, len(body))
			lastErr = fmt.Errorf("truncated scan: %w", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch points: %w", err)
		}
		return points, nil
	}

	return nil, fmt.Errorf("fetch points: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// decodeFetched decodes a downloaded scan according to the URL's extension.
func decodeFetched(rawURL string, body []byte) ([]r3.Vector, error) {
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if ext != ".las" {
		return DecodePoints(body)
	}

	// lidario reads from a file, so the download is spooled to disk.
	f, err := os.CreateTemp("", "atlas-*.las")
	if err != nil {
		return nil, fmt.Errorf("spooling LAS download: %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }()
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spooling LAS download: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("spooling LAS download: %w", err)
	}
	return ReadLAS(f.Name())
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errPermanent{fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "text/plain, application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("HTTP GET %s: status %d", rawURL, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, errPermanent{err}
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", rawURL, err)
	}
	if len(body) > maxResponseBytes {
		return nil, errPermanent{fmt.Errorf("scan at %s exceeds %d bytes", rawURL, int64(maxResponseBytes))}
	}
	return body, nil
}
