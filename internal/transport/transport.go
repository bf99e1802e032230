// Package transport fetches release records and delta files from the remote host.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "deltapatch-client"

	// maxTextSize bounds record fetches; records are small JSON documents.
	maxTextSize = 16 << 20
)

// Error variables for specific error conditions.
var (
	ErrNetworkFailure = errors.New("network request failed")
	ErrNotFound       = errors.New("remote file not found")
)

// StatusError reports a non-200 response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Unwrap maps 404 to ErrNotFound and everything else to ErrNetworkFailure.
func (e StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return ErrNetworkFailure
}

// Progress receives the fraction in [0, 1] of the current transfer.
type Progress func(fraction float64)

// Fetcher is what the update client needs from a transport.
type Fetcher interface {
	// FetchText returns the body at url.
	FetchText(ctx context.Context, url string) ([]byte, error)
	// FetchBytes streams the body at url into w, reporting progress on every
	// read. sizeHint is used when the response carries no Content-Length.
	FetchBytes(ctx context.Context, url string, w io.Writer, sizeHint int64, progress Progress) (int64, error)
}

// HTTPFetcher implements Fetcher over net/http.
type HTTPFetcher struct {
	httpClient *http.Client
	userAgent  string
}

var _ Fetcher = (*HTTPFetcher)(nil)

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *HTTPFetcher) {
		f.httpClient = client
	}
}

// WithTimeout sets the HTTP client timeout. Zero disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(f *HTTPFetcher) {
		f.httpClient.Timeout = timeout
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) {
		if strings.TrimSpace(ua) != "" {
			f.userAgent = ua
		}
	}
}

// NewHTTPFetcher creates a fetcher with DefaultTimeout.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchText implements Fetcher.
func (f *HTTPFetcher) FetchText(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTextSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrNetworkFailure, url, err)
	}
	return data, nil
}

// FetchBytes implements Fetcher.
func (f *HTTPFetcher) FetchBytes(ctx context.Context, url string, w io.Writer, sizeHint int64, progress Progress) (int64, error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	total := resp.ContentLength
	if total <= 0 {
		total = sizeHint
	}
	pr := &progressReader{r: resp.Body, total: total, progress: progress}
	n, err := io.Copy(w, pr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		return n, fmt.Errorf("%w: read %s: %v", ErrNetworkFailure, url, err)
	}
	if progress != nil {
		progress(1)
	}
	return n, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

type progressReader struct {
	r        io.Reader
	read     int64
	total    int64
	progress Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if n > 0 && p.progress != nil && p.total > 0 {
		frac := float64(p.read) / float64(p.total)
		if frac > 1 {
			frac = 1
		}
		p.progress(frac)
	}
	return n, err
}

// JoinURL resolves path against a directory-style base: base gains a trailing
// "/" and path loses any leading "/".
func JoinURL(base, path string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimPrefix(path, "/")
}
