package strategy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/alvmarrod/domain-enricher/internal/domain"
)

// DefaultUserAgent is a desktop Chrome user agent; many small business sites serve
// stripped or blocked pages to obvious bots
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Page is a fetched HTTP response
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTML returns the body as a string
func (p *Page) HTML() string {
	return string(p.Body)
}

// IsJSON reports whether the response looks like a JSON document
func (p *Page) IsJSON() bool {
	if strings.Contains(strings.ToLower(p.Header.Get("Content-Type")), "json") {
		return true
	}
	trimmed := strings.TrimSpace(string(p.Body))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// Fetcher performs single synchronous GET requests through colly
type Fetcher struct {
	collector *colly.Collector
	limiter   *HostLimiter
	timeout   time.Duration
}

// NewFetcher creates a fetcher. Requests carry a browser user agent and a Russian
// Accept-Language, and are throttled per host by limiter.
func NewFetcher(userAgent string, timeout time.Duration, limiter *HostLimiter) *Fetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(5*1024*1024),
	)
	c.SetRequestTimeout(timeout)

	return &Fetcher{collector: c, limiter: limiter, timeout: timeout}
}

// Fetch retrieves a URL. HTTP error statuses are returned as pages, not errors;
// only transport failures and cancellation are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if err := f.limiter.Wait(ctx, domain.Host(rawURL)); err != nil {
		return nil, err
	}

	// Clones share the HTTP backend but not callbacks
	c := f.collector.Clone()
	c.Context = ctx
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.8")
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	})

	var page *Page
	c.OnResponse(func(r *colly.Response) {
		header := http.Header{}
		if r.Headers != nil {
			header = *r.Headers
		}
		page = &Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       decodeBody(r.Body, header.Get("Content-Type")),
		}
	})

	if err := c.Visit(rawURL); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	if page == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to fetch %s: empty response", rawURL)
	}
	return page, nil
}

// FetchHome fetches the home page of a domain over https, falling back to http.
// Every URL tried is appended to attempted.
func (f *Fetcher) FetchHome(ctx context.Context, d string, attempted *[]string) (*Page, error) {
	var lastErr error
	for _, scheme := range []string{"https://", "http://"} {
		target := scheme + d + "/"
		*attempted = append(*attempted, target)

		page, err := f.Fetch(ctx, target)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return page, nil
	}
	return nil, lastErr
}
