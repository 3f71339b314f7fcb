package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/cresus-ui/amazon-KDP-scraper/config"
	"github.com/cresus-ui/amazon-KDP-scraper/models"
	"github.com/cresus-ui/amazon-KDP-scraper/pipeline"
)

type captureWriter struct {
	mu    sync.Mutex
	books []*models.Book
}

func (w *captureWriter) Write(books []*models.Book) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.books = append(w.books, books...)
	return nil
}

func (w *captureWriter) Close() error    { return nil }
func (w *captureWriter) Validate() error { return nil }

func (w *captureWriter) received() []*models.Book {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*models.Book(nil), w.books...)
}

func runConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.DefaultConfig()
	cfg.SearchTerms = []string{"test"}
	cfg.RequestDelay = 0
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	cfg.Parallelism = 1
	cfg.ReviewParallelism = 2
	cfg.BatchSize = 2
	cfg.PipelineBufferSize = 16
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newTestScraper(t *testing.T, cfg *config.Config) (*Scraper, *httpmock.MockTransport) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewScraper(cfg, logger)
	if err != nil {
		t.Fatalf("NewScraper: %v", err)
	}
	transport := httpmock.NewMockTransport()
	s.Fetcher().WithTransport(transport)
	return s, transport
}

func searchURL(t *testing.T, cfg *config.Config, term string, page int) string {
	t.Helper()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		t.Fatalf("parse base url: %v", err)
	}
	return BuildSearchURL(base, term, cfg.SortBy, page)
}

func listingHTML(asin string) string {
	return fmt.Sprintf(`<div data-component-type="s-search-result">
<h2><a href="/book-%[1]s/dp/%[1]s"><span>Book %[1]s</span></a></h2>
<span class="a-price"><span class="a-offscreen">$9.99</span></span>
</div>`, asin)
}

const malformedListingHTML = `<div data-component-type="s-search-result">
<h2><span>Sponsored placement without a product link</span></h2>
</div>`

func resultsPageHTML(hasNext bool, listings ...string) string {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for _, listing := range listings {
		sb.WriteString(listing)
	}
	if hasNext {
		sb.WriteString(`<a class="s-pagination-next" href="/s?page=2">Next</a>`)
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

func runToCompletion(t *testing.T, ctx context.Context, s *Scraper, cfg *config.Config) (*models.RunResult, *captureWriter) {
	t.Helper()
	writer := &captureWriter{}
	p := pipeline.NewPipeline(writer, cfg, s.Stats)

	result, err := s.Run(ctx, p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close pipeline: %v", err)
	}
	return result, writer
}

func TestRunStopsAtResultCap(t *testing.T) {
	cfg := runConfig(func(c *config.Config) { c.MaxResults = 5 })
	s, transport := newTestScraper(t, cfg)

	listings := []string{
		listingHTML("B0CAP00001"),
		listingHTML("B0CAP00002"),
		malformedListingHTML,
		listingHTML("B0CAP00003"),
		listingHTML("B0CAP00004"),
		listingHTML("B0CAP00005"),
	}
	transport.RegisterResponder("GET", searchURL(t, cfg, "test", 1),
		httpmock.NewStringResponder(200, resultsPageHTML(true, listings...)))

	result, writer := runToCompletion(t, context.Background(), s, cfg)

	if got := result.Stats.RecordsEmitted; got != 5 {
		t.Fatalf("records emitted = %d, want 5", got)
	}
	if got := result.Stats.SkippedMalformed; got != 1 {
		t.Fatalf("skipped malformed = %d, want 1", got)
	}
	if got := result.Stats.PagesFetched; got != 1 {
		t.Fatalf("pages fetched = %d, want 1", got)
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("http calls = %d, the cap must stop pagination before page 2", got)
	}
	if state := result.JobStates["test"]; state != "cap_reached" {
		t.Fatalf("job state = %q, want cap_reached", state)
	}
	if got := len(writer.received()); got != 5 {
		t.Fatalf("writer received %d records, want 5", got)
	}
}

func TestRunFollowsPagination(t *testing.T) {
	cfg := runConfig(func(c *config.Config) { c.MaxResults = 100 })
	s, transport := newTestScraper(t, cfg)

	transport.RegisterResponder("GET", searchURL(t, cfg, "test", 1),
		httpmock.NewStringResponder(200, resultsPageHTML(true,
			listingHTML("B0PAGE1001"), listingHTML("B0PAGE1002"))))
	transport.RegisterResponder("GET", searchURL(t, cfg, "test", 2),
		httpmock.NewStringResponder(200, resultsPageHTML(false,
			listingHTML("B0PAGE2001"))))

	result, writer := runToCompletion(t, context.Background(), s, cfg)

	if got := result.Stats.RecordsEmitted; got != 3 {
		t.Fatalf("records emitted = %d, want 3", got)
	}
	if got := result.Stats.PagesFetched; got != 2 {
		t.Fatalf("pages fetched = %d, want 2", got)
	}
	if state := result.JobStates["test"]; state != "exhausted" {
		t.Fatalf("job state = %q, want exhausted", state)
	}

	// Within one job pages stay ordered, so page 1 records precede page 2.
	received := writer.received()
	if len(received) != 3 || !strings.Contains(received[2].URL, "B0PAGE2") {
		t.Fatalf("unexpected record order: %v", received)
	}
}

func TestRunDeduplicatesAcrossTerms(t *testing.T) {
	cfg := runConfig(func(c *config.Config) {
		c.SearchTerms = []string{"golang", "go programming"}
	})
	s, transport := newTestScraper(t, cfg)

	shared := listingHTML("B0SHARED01")
	transport.RegisterResponder("GET", searchURL(t, cfg, "golang", 1),
		httpmock.NewStringResponder(200, resultsPageHTML(false, shared, listingHTML("B0ONLYA001"))))
	transport.RegisterResponder("GET", searchURL(t, cfg, "go programming", 1),
		httpmock.NewStringResponder(200, resultsPageHTML(false, shared, listingHTML("B0ONLYB001"))))

	result, writer := runToCompletion(t, context.Background(), s, cfg)

	if got := result.Stats.RecordsEmitted; got != 3 {
		t.Fatalf("records emitted = %d, want 3", got)
	}
	if got := result.Stats.DuplicatesSkipped; got != 1 {
		t.Fatalf("duplicates skipped = %d, want 1", got)
	}
	if got := len(writer.received()); got != 3 {
		t.Fatalf("writer received %d records, want 3", got)
	}
	for term, state := range result.JobStates {
		if state != "exhausted" {
			t.Fatalf("job %q state = %q, want exhausted", term, state)
		}
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	cfg := runConfig(nil)
	s, transport := newTestScraper(t, cfg)

	var mu sync.Mutex
	calls := 0
	transport.RegisterResponder("GET", searchURL(t, cfg, "test", 1),
		func(req *http.Request) (*http.Response, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"), nil
			}
			return httpmock.NewStringResponse(200, resultsPageHTML(false, listingHTML("B0RETRY001"))), nil
		})

	result, _ := runToCompletion(t, context.Background(), s, cfg)

	if got := result.Stats.Retries; got != 1 {
		t.Fatalf("retries = %d, want 1", got)
	}
	if got := result.Stats.PagesFetched; got != 1 {
		t.Fatalf("pages fetched = %d, want 1", got)
	}
	if got := result.Stats.PagesFailed; got != 0 {
		t.Fatalf("pages failed = %d, want 0", got)
	}
	if got := result.Stats.RecordsEmitted; got != 1 {
		t.Fatalf("records emitted = %d, want 1", got)
	}
}

func TestRunDoesNotRetryNotFound(t *testing.T) {
	cfg := runConfig(nil)
	s, transport := newTestScraper(t, cfg)

	pageURL := searchURL(t, cfg, "test", 1)
	transport.RegisterResponder("GET", pageURL,
		httpmock.NewStringResponder(http.StatusNotFound, "gone"))

	result, _ := runToCompletion(t, context.Background(), s, cfg)

	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("http calls = %d, a 404 must not be retried", got)
	}
	if got := result.Stats.Retries; got != 0 {
		t.Fatalf("retries = %d, want 0", got)
	}
	if got := result.Stats.PagesFailed; got != 1 {
		t.Fatalf("pages failed = %d, want 1", got)
	}
	if state := result.JobStates["test"]; state != "failed" {
		t.Fatalf("job state = %q, want failed", state)
	}
	if len(result.FailedURLs) != 1 || result.FailedURLs[0] != pageURL {
		t.Fatalf("failed urls = %v", result.FailedURLs)
	}
}

func TestRunEmptyResultsExhaustsJob(t *testing.T) {
	cfg := runConfig(nil)
	s, transport := newTestScraper(t, cfg)

	transport.RegisterResponder("GET", searchURL(t, cfg, "test", 1),
		httpmock.NewStringResponder(200, resultsPageHTML(false)))

	result, writer := runToCompletion(t, context.Background(), s, cfg)

	if got := result.Stats.RecordsEmitted; got != 0 {
		t.Fatalf("records emitted = %d, want 0", got)
	}
	if state := result.JobStates["test"]; state != "exhausted" {
		t.Fatalf("job state = %q, want exhausted", state)
	}
	if got := len(writer.received()); got != 0 {
		t.Fatalf("writer received %d records, want 0", got)
	}
}

const detailPageHTML = `<html><body>
<div id="bookDescription_feature_div"><span>A fine read about focus.</span></div>
<div id="detailBullets_feature_div"><ul>
<li><span class="a-list-item"><span>Language:</span><span>English</span></span></li>
<li><span class="a-list-item"><span>Print length:</span><span>210 pages</span></span></li>
</ul></div>
</body></html>`

const reviewsPageHTML = `<html><body>
<div data-hook="review">
<i data-hook="review-star-rating" class="a-icon-star"><span class="a-icon-alt">4.0 out of 5 stars</span></i>
<a data-hook="review-title" href="#"><span>Solid</span></a>
<span data-hook="review-body">Well worth the money.</span>
<span class="a-profile-name">Reader</span>
<span data-hook="review-date">Reviewed on July 1, 2023</span>
</div>
</body></html>`

func TestRunAttachesReviews(t *testing.T) {
	cfg := runConfig(func(c *config.Config) { c.IncludeReviews = true })
	s, transport := newTestScraper(t, cfg)

	asin := "B0DETAIL01"
	transport.RegisterResponder("GET", searchURL(t, cfg, "test", 1),
		httpmock.NewStringResponder(200, resultsPageHTML(false, listingHTML(asin))))
	transport.RegisterResponder("GET", "https://www.amazon.com/book-"+asin+"/dp/"+asin,
		httpmock.NewStringResponder(200, detailPageHTML))
	transport.RegisterResponder("GET", "https://www.amazon.com/product-reviews/"+asin,
		httpmock.NewStringResponder(200, reviewsPageHTML))

	result, writer := runToCompletion(t, context.Background(), s, cfg)

	if got := result.Stats.RecordsEmitted; got != 1 {
		t.Fatalf("records emitted = %d, want 1", got)
	}
	received := writer.received()
	if len(received) != 1 {
		t.Fatalf("writer received %d records, want 1", len(received))
	}

	book := received[0]
	if book.Description != "A fine read about focus." {
		t.Fatalf("description = %q", book.Description)
	}
	if book.Language != "English" {
		t.Fatalf("language = %q", book.Language)
	}
	if book.PageCount == nil || *book.PageCount != 210 {
		t.Fatalf("page count = %v", book.PageCount)
	}
	if len(book.Reviews) != 1 || book.Reviews[0].Title != "Solid" {
		t.Fatalf("reviews = %v", book.Reviews)
	}
}

func TestRunDetailFailureKeepsRecord(t *testing.T) {
	cfg := runConfig(func(c *config.Config) {
		c.IncludeReviews = true
		c.MaxRetries = 0
	})
	s, transport := newTestScraper(t, cfg)

	asin := "B0NODETL01"
	transport.RegisterResponder("GET", searchURL(t, cfg, "test", 1),
		httpmock.NewStringResponder(200, resultsPageHTML(false, listingHTML(asin))))
	transport.RegisterResponder("GET", "https://www.amazon.com/book-"+asin+"/dp/"+asin,
		httpmock.NewStringResponder(http.StatusNotFound, "gone"))

	result, writer := runToCompletion(t, context.Background(), s, cfg)

	if got := result.Stats.RecordsEmitted; got != 1 {
		t.Fatalf("records emitted = %d, want 1; a failed detail fetch must not drop the record", got)
	}
	received := writer.received()
	if len(received) != 1 || len(received[0].Reviews) != 0 {
		t.Fatalf("record should survive without reviews: %v", received)
	}
	if got := result.Stats.PagesFailed; got != 1 {
		t.Fatalf("pages failed = %d, want 1", got)
	}
}

func TestRunDetailCacheSharedAcrossTerms(t *testing.T) {
	cfg := runConfig(func(c *config.Config) {
		c.SearchTerms = []string{"first", "second"}
		c.IncludeReviews = true
	})
	s, transport := newTestScraper(t, cfg)

	asin := "B0CACHED01"
	detailURL := "https://www.amazon.com/book-" + asin + "/dp/" + asin
	page := resultsPageHTML(false, listingHTML(asin))
	transport.RegisterResponder("GET", searchURL(t, cfg, "first", 1),
		httpmock.NewStringResponder(200, page))
	transport.RegisterResponder("GET", searchURL(t, cfg, "second", 1),
		httpmock.NewStringResponder(200, page))
	transport.RegisterResponder("GET", detailURL,
		httpmock.NewStringResponder(200, detailPageHTML))
	reviewsURL := "https://www.amazon.com/product-reviews/" + asin
	transport.RegisterResponder("GET", reviewsURL,
		httpmock.NewStringResponder(200, reviewsPageHTML))

	result, _ := runToCompletion(t, context.Background(), s, cfg)

	if got := result.Stats.RecordsEmitted; got != 1 {
		t.Fatalf("records emitted = %d, want 1", got)
	}
	if got := result.Stats.DuplicatesSkipped; got != 1 {
		t.Fatalf("duplicates skipped = %d, want 1", got)
	}
	if got := transport.GetCallCountInfo()["GET "+detailURL]; got != 1 {
		t.Fatalf("detail fetches = %d, want 1 thanks to the cache", got)
	}
	if got := transport.GetCallCountInfo()["GET "+reviewsURL]; got != 1 {
		t.Fatalf("review fetches = %d, want 1 thanks to the cache", got)
	}
}

func TestRunReviewPageFallback(t *testing.T) {
	cfg := runConfig(func(c *config.Config) {
		c.IncludeReviews = true
		c.MaxRetries = 0
	})
	s, transport := newTestScraper(t, cfg)

	asin := "B0FALLBK01"
	embedded := strings.Replace(detailPageHTML, "</body>",
		`<div data-hook="review">
<span data-hook="review-body">Embedded on the detail page.</span>
</div></body>`, 1)
	transport.RegisterResponder("GET", searchURL(t, cfg, "test", 1),
		httpmock.NewStringResponder(200, resultsPageHTML(false, listingHTML(asin))))
	transport.RegisterResponder("GET", "https://www.amazon.com/book-"+asin+"/dp/"+asin,
		httpmock.NewStringResponder(200, embedded))
	transport.RegisterResponder("GET", "https://www.amazon.com/product-reviews/"+asin,
		httpmock.NewStringResponder(http.StatusNotFound, "gone"))

	_, writer := runToCompletion(t, context.Background(), s, cfg)

	received := writer.received()
	if len(received) != 1 {
		t.Fatalf("writer received %d records, want 1", len(received))
	}
	if len(received[0].Reviews) != 1 || received[0].Reviews[0].Text != "Embedded on the detail page." {
		t.Fatalf("fallback reviews = %v", received[0].Reviews)
	}
}

func TestRunGlobalCapStopsRun(t *testing.T) {
	cfg := runConfig(func(c *config.Config) {
		c.SearchTerms = []string{"first", "second"}
		c.MaxResults = 10
		c.GlobalCap = 2
	})
	s, transport := newTestScraper(t, cfg)

	transport.RegisterResponder("GET", searchURL(t, cfg, "first", 1),
		httpmock.NewStringResponder(200, resultsPageHTML(true,
			listingHTML("B0GLOBA001"), listingHTML("B0GLOBA002"))))
	transport.RegisterResponder("GET", searchURL(t, cfg, "second", 1),
		httpmock.NewStringResponder(200, resultsPageHTML(true,
			listingHTML("B0GLOBB001"), listingHTML("B0GLOBB002"))))

	result, _ := runToCompletion(t, context.Background(), s, cfg)

	if got := result.Stats.RecordsEmitted; got != 2 {
		t.Fatalf("records emitted = %d, want global cap of 2", got)
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("http calls = %d, the global cap must stop the whole run", got)
	}
	for term, state := range result.JobStates {
		if state != "aborted" {
			t.Fatalf("job %q state = %q, want aborted", term, state)
		}
	}
}

func TestRunCancelledContext(t *testing.T) {
	cfg := runConfig(func(c *config.Config) {
		c.SearchTerms = []string{"first", "second"}
	})
	s, transport := newTestScraper(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, writer := runToCompletion(t, ctx, s, cfg)

	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("http calls = %d, want 0 after cancellation", got)
	}
	if got := result.Stats.RecordsEmitted; got != 0 {
		t.Fatalf("records emitted = %d, want 0", got)
	}
	if got := len(writer.received()); got != 0 {
		t.Fatalf("writer received %d records, want 0", got)
	}
	for term, state := range result.JobStates {
		if state != "aborted" {
			t.Fatalf("job %q state = %q, want aborted", term, state)
		}
	}
}
