package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/pevans/newsharvest/metrics"
)

// DefaultUserAgent identifies the harvester to publishers.
const DefaultUserAgent = "Mozilla/5.0 (compatible; newsharvest/1.0; +https://github.com/pevans/newsharvest)"

// DefaultTimeout bounds listing and detail fetches.
const DefaultTimeout = 20 * time.Second

const maxBodyBytes = 10 << 20

// ErrHTTPStatus is returned when a response has a non-2xx status.
var ErrHTTPStatus = errors.New("unexpected HTTP status")

// Response is a fetched page. Body is populated even for non-2xx responses
// when the server sent one.
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Timeout   time.Duration
	UserAgent string
	// MinHostInterval spaces requests to the same host. Zero disables
	// pacing.
	MinHostInterval time.Duration
	Client          *http.Client
	Metrics         metrics.Recorder
}

// Fetcher performs GET requests with per-host pacing.
type Fetcher struct {
	client    *http.Client
	userAgent string
	limiter   *hostLimiter
	metrics   metrics.Recorder
}

// NewFetcher creates a Fetcher from cfg, filling in defaults.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}

	return &Fetcher{
		client:    client,
		userAgent: ua,
		limiter:   newHostLimiter(cfg.MinHostInterval),
		metrics:   rec,
	}
}

// Get fetches rawURL. Redirects are followed. For a non-2xx status the
// response is still returned alongside an error wrapping ErrHTTPStatus.
func (f *Fetcher) Get(ctx context.Context, rawURL string, headers map[string]string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	if err := f.limiter.wait(ctx, u.Host); err != nil {
		return nil, fmt.Errorf("failed to wait for host pacing: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-CA,en;q=0.9")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	f.metrics.RecordFetchLatency(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	out := &Response{
		URL:    resp.Request.URL.String(),
		Status: resp.StatusCode,
		Body:   body,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("%w: %d %s", ErrHTTPStatus, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return out, nil
}

// FetchHTML fetches rawURL and parses it as HTML. Non-2xx responses are
// errors.
func (f *Fetcher) FetchHTML(ctx context.Context, rawURL string, headers map[string]string) (*goquery.Document, error) {
	resp, err := f.Get(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	return doc, nil
}

type hostLimiter struct {
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHostLimiter(interval time.Duration) *hostLimiter {
	return &hostLimiter{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *hostLimiter) wait(ctx context.Context, host string) error {
	if h == nil || h.interval <= 0 {
		return nil
	}

	host = strings.ToLower(host)

	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(h.interval), 1)
		h.limiters[host] = l
	}
	h.mu.Unlock()

	return l.Wait(ctx)
}

// ResolveURL resolves href against base. It returns "" when href is empty
// or either value cannot be parsed.
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}

	b, err := url.Parse(base)
	if err != nil || base == "" {
		return ""
	}
	return b.ResolveReference(ref).String()
}
