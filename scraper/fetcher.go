package scraper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/cresus-ui/amazon-KDP-scraper/config"
)

// Response is the narrow result of one page fetch.
type Response struct {
	StatusCode int
	Body       []byte
}

// Fetcher is the narrow interface the orchestrator fetches pages
// through. Retries are the orchestrator's job, not the fetcher's.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*Response, error)
}

const fetchResultKey = "fetch_result"

type fetchResult struct {
	status int
	body   []byte
	err    error
}

// CollyFetcher adapts a colly collector to request/response style. The
// collector runs synchronously; URL revisits are allowed so the
// orchestrator can retry failed pages.
type CollyFetcher struct {
	collector  *colly.Collector
	metrics    *Metrics
	userAgents []string
	uaIndex    atomic.Int64
}

// NewCollyFetcher builds a fetcher configured from cfg.
func NewCollyFetcher(cfg *config.Config, metrics *Metrics) (*CollyFetcher, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname(), "www."+parsed.Hostname()),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if proxyURL := resolveProxy(cfg); proxyURL != "" {
		if err := collector.SetProxy(proxyURL); err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
	}

	f := &CollyFetcher{
		collector:  collector,
		metrics:    metrics,
		userAgents: cfg.UserAgents,
	}

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", f.nextUserAgent())
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})
	collector.OnResponse(func(r *colly.Response) {
		if holder, ok := r.Ctx.GetAny(fetchResultKey).(*fetchResult); ok {
			holder.status = r.StatusCode
			holder.body = append([]byte(nil), r.Body...)
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r == nil {
			return
		}
		if holder, ok := r.Ctx.GetAny(fetchResultKey).(*fetchResult); ok {
			holder.status = r.StatusCode
			holder.err = err
		}
	})

	return f, nil
}

// Fetch issues one GET and returns status and body. Non-200 responses
// and transport failures are returned as *PageFetchError.
func (f *CollyFetcher) Fetch(ctx context.Context, pageURL string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrRunAborted
	}

	holder := &fetchResult{}
	requestCtx := colly.NewContext()
	requestCtx.Put(fetchResultKey, holder)

	start := time.Now()
	err := f.collector.Request(http.MethodGet, pageURL, nil, requestCtx, nil)
	f.metrics.ObserveDuration(time.Since(start))

	if holder.err != nil {
		err = holder.err
	}
	if err != nil {
		return nil, &PageFetchError{URL: pageURL, Status: holder.status, Err: err}
	}
	if holder.status != http.StatusOK {
		return nil, &PageFetchError{
			URL:    pageURL,
			Status: holder.status,
			Err:    fmt.Errorf("http status %d", holder.status),
		}
	}
	return &Response{StatusCode: holder.status, Body: holder.body}, nil
}

// WithTransport swaps the underlying transport; used by tests to inject
// a mock.
func (f *CollyFetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

func (f *CollyFetcher) nextUserAgent() string {
	if len(f.userAgents) == 0 {
		return ""
	}
	idx := f.uaIndex.Add(1)
	return f.userAgents[int(idx)%len(f.userAgents)]
}

func resolveProxy(cfg *config.Config) string {
	if cfg.ProxyURL != "" {
		return cfg.ProxyURL
	}
	if cfg.UseApifyProxy {
		return config.ApifyProxyURL()
	}
	return ""
}
