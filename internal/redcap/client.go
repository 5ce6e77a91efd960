// Package redcap talks to a REDCap project's export API: it fetches the form
// catalog and form→event mapping, builds one record export per form, and
// parses the CSV responses into dataset tables.
//
// Every call is a single form-encoded POST to the project's API URL. The
// client is deliberately sequential and never retries; a failed call is
// reported to the caller, which decides whether the run can continue.
package redcap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"redcapetl/internal/metrics"
)

// Logger is the minimal logging interface used by this package.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures a Client.
type Options struct {
	// URL is the project's API endpoint, e.g. https://redcap.example.org/api/.
	URL string
	// Token is the project API token. It is sent in the request body only.
	Token string

	// Timeout bounds each request, including reading the body. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64

	// HTTPClient overrides the transport (tests). Its Timeout is replaced by
	// Timeout above.
	HTTPClient *http.Client
	UserAgent  string
	Logger     Logger // nil means log.Default()
}

// DefaultTimeout applies when Options.Timeout is zero. Large record exports
// can take minutes on busy servers.
const DefaultTimeout = 5 * time.Minute

// Client is a REDCap API client bound to one project token.
type Client struct {
	endpoint  string
	token     string
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    Logger
}

// NewClient validates opt and returns a ready Client.
func NewClient(opt Options) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(opt.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("redcap: invalid API URL %q", opt.URL)
	}
	if strings.TrimSpace(opt.Token) == "" {
		return nil, errors.New("redcap: empty API token")
	}
	if opt.RateLimit < 0 {
		return nil, fmt.Errorf("redcap: negative rate limit %v", opt.RateLimit)
	}

	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := &http.Client{}
	if opt.HTTPClient != nil {
		cp := *opt.HTTPClient
		hc = &cp
	}
	hc.Timeout = timeout

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opt.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opt.RateLimit), 1)
	}

	ua := opt.UserAgent
	if ua == "" {
		ua = "redcap_etl/1.0"
	}
	var logger Logger = log.Default()
	if opt.Logger != nil {
		logger = opt.Logger
	}

	return &Client{
		endpoint:  u.String(),
		token:     strings.TrimSpace(opt.Token),
		http:      hc,
		limiter:   limiter,
		userAgent: ua,
		logger:    logger,
	}, nil
}

// post sends one export call and returns the body of a 2xx response.
//
// content is the REDCap "content" parameter and labels metrics and errors.
// Non-2xx responses become *APIError. The token never appears in errors: it
// travels in the body, and url.Error only carries the endpoint.
func (c *Client) post(ctx context.Context, content string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("redcap %s: rate limiter: %w", content, err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("redcap %s: build request: %w", content, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/csv, application/json;q=0.9, */*;q=0.5")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP(content, 0, err, time.Since(start), -1)
		return nil, fmt.Errorf("redcap %s: %w", content, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordHTTP(content, resp.StatusCode, err, elapsed, int64(len(body)))
		return nil, fmt.Errorf("redcap %s: read body: %w", content, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Content: content,
			Status:  resp.StatusCode,
			Message: summarizeBody(resp.Header.Get("Content-Type"), body, resp.StatusCode),
		}
		metrics.RecordHTTP(content, resp.StatusCode, apiErr, elapsed, int64(len(body)))
		return nil, apiErr
	}

	metrics.RecordHTTP(content, resp.StatusCode, nil, elapsed, int64(len(body)))
	c.logger.Printf("redcap: content=%s status=%d bytes=%d duration=%s",
		content, resp.StatusCode, len(body), elapsed.Round(time.Millisecond))
	return body, nil
}

// isEmptyExport reports REDCap's "no records" body: a single newline. An
// entirely empty body is treated the same way.
func isEmptyExport(body []byte) bool {
	return len(body) == 0 || bytes.Equal(body, []byte("\n")) || bytes.Equal(body, []byte("\r\n"))
}
