// Package scraper drives a run: scheduling page requests per search
// term, fetching through the narrow Fetcher interface, parsing, and
// offering candidate records to the output pipeline. Failures are
// isolated at page granularity; only invalid configuration stops a run
// before it starts.
package scraper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cresus-ui/amazon-KDP-scraper/config"
	"github.com/cresus-ui/amazon-KDP-scraper/models"
	"github.com/cresus-ui/amazon-KDP-scraper/parser"
	"github.com/cresus-ui/amazon-KDP-scraper/pipeline"
)

// Scraper orchestrates one run end to end.
type Scraper struct {
	cfg     *config.Config
	fetcher Fetcher
	parser  *parser.Parser
	sched   *Scheduler
	logger  *slog.Logger

	Metrics *Metrics
	Stats   *models.RunStats

	// detailCache holds fetched detail-page bodies keyed by canonical
	// URL, so a book surfacing under several search terms costs one
	// detail fetch.
	detailCache *lru.Cache[string, []byte]

	mu         sync.Mutex
	failedURLs []string
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config, logger *slog.Logger) (*Scraper, error) {
	if logger == nil {
		logger = slog.Default()
	}

	metrics := NewMetrics()
	fetcher, err := NewCollyFetcher(cfg, metrics)
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, []byte](cfg.DetailCacheSize)
	if err != nil {
		return nil, err
	}

	p := parser.New(logger)
	p.OnFieldMiss = metrics.IncFieldMiss

	return &Scraper{
		cfg:         cfg,
		fetcher:     fetcher,
		parser:      p,
		sched:       sched,
		logger:      logger.With(slog.String("component", "scraper")),
		Metrics:     metrics,
		Stats:       &models.RunStats{},
		detailCache: cache,
	}, nil
}

// Fetcher returns the underlying fetcher; tests reach through it to
// inject a mock transport.
func (s *Scraper) Fetcher() *CollyFetcher {
	f, _ := s.fetcher.(*CollyFetcher)
	return f
}

// Run drives every search job to a terminal state and returns the run
// summary. Jobs run concurrently up to the configured parallelism;
// pages within one job stay strictly ordered. Cancelling ctx stops new
// page requests immediately; records already accepted are still
// flushed by the pipeline.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	start := time.Now()
	sem := make(chan struct{}, s.cfg.Parallelism)
	var wg sync.WaitGroup

	for _, job := range s.sched.Jobs() {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				job.MarkAborted()
				return
			}
			defer func() { <-sem }()
			s.runJob(runCtx, job, p, stop)
		}(job)
	}
	wg.Wait()

	states := make(map[string]string, len(s.sched.Jobs()))
	for _, job := range s.sched.Jobs() {
		states[job.Term] = job.State().String()
	}

	return &models.RunResult{
		Stats:      s.Stats.Snapshot(),
		StartTime:  start,
		EndTime:    time.Now(),
		FailedURLs: s.snapshotFailedURLs(),
		JobStates:  states,
	}, nil
}

// runJob walks one job's result pages in order. stop cancels the whole
// run when the global cap is reached.
func (s *Scraper) runJob(ctx context.Context, job *Job, p *pipeline.Pipeline, stop context.CancelFunc) {
	logger := s.logger.With(slog.String("term", job.Term))

	for {
		if ctx.Err() != nil {
			job.MarkAborted()
			return
		}

		req, err := s.sched.Next(ctx, job)
		if err != nil || req == nil {
			return
		}

		body, err := s.fetchPage(ctx, req.URL, "search", &req.Attempt)
		if err != nil {
			if errors.Is(err, ErrRunAborted) {
				job.MarkAborted()
				return
			}
			// Without this page there is no next-page signal, so the
			// job cannot continue.
			logger.Warn("search page skipped after retries",
				slog.Int("page", req.Page),
				slog.Any("error", err),
			)
			job.MarkFailed()
			return
		}

		page, err := s.parser.ParseSearchPage(body, s.sched.base)
		if err != nil {
			logger.Warn("unparseable search page",
				slog.Int("page", req.Page),
				slog.Any("error", err),
			)
			job.MarkFailed()
			return
		}
		if page.SkippedMalformed > 0 {
			s.Stats.SkippedMalformed.Add(int64(page.SkippedMalformed))
			logger.Debug("malformed listing blocks skipped",
				slog.Int("page", req.Page),
				slog.Int("count", page.SkippedMalformed),
			)
		}
		if len(page.Books) == 0 {
			logger.Info("no listings found, job exhausted",
				slog.Int("page", req.Page),
				slog.Any("reason", &PageStructureError{URL: req.URL}),
			)
			job.MarkExhausted()
			return
		}

		if s.cfg.IncludeReviews {
			s.attachDetails(ctx, page.Books)
		}

		for _, book := range page.Books {
			if ctx.Err() != nil {
				job.MarkAborted()
				return
			}
			outcome, err := p.Offer(book)
			if err != nil {
				logger.Error("pipeline rejected record", slog.Any("error", err))
				job.MarkAborted()
				return
			}
			s.Metrics.IncRecord(outcome.String())
			if outcome != pipeline.Accepted {
				continue
			}
			if job.RecordAccepted() {
				logger.Info("result cap reached",
					slog.Int("accepted", job.Accepted()),
				)
				return
			}
			if s.Stats.RecordsEmitted.Load() >= int64(s.cfg.GlobalCap) {
				logger.Info("global run cap reached, stopping run")
				job.MarkAborted()
				stop()
				return
			}
		}

		if !page.HasNext {
			job.MarkExhausted()
			return
		}
	}
}

// fetchPage fetches one URL with retries and backoff. Successful and
// terminally failed fetches are counted in the run stats.
func (s *Scraper) fetchPage(ctx context.Context, pageURL, pageType string, attempt *int) ([]byte, error) {
	var lastErr error

	for *attempt <= s.cfg.MaxRetries {
		if *attempt > 0 {
			if err := s.waitBackoff(ctx, *attempt); err != nil {
				return nil, err
			}
			s.Stats.Retries.Add(1)
			s.Metrics.IncRetries()
		}
		*attempt++

		resp, err := s.fetcher.Fetch(ctx, pageURL)
		if err == nil {
			s.Stats.PagesFetched.Add(1)
			s.Metrics.IncPageFetched(pageType)
			return resp.Body, nil
		}
		if errors.Is(err, ErrRunAborted) {
			return nil, err
		}
		lastErr = err

		var fetchErr *PageFetchError
		if errors.As(err, &fetchErr) && !fetchErr.Retryable() {
			break
		}
		s.logger.Debug("page fetch failed",
			slog.String("url", pageURL),
			slog.Int("attempt", *attempt),
			slog.String("category", errorTypeLabel(err)),
			slog.Any("error", err),
		)
	}

	s.Stats.PagesFailed.Add(1)
	s.Metrics.IncPageFailed(errorTypeLabel(lastErr))
	s.recordFailedURL(pageURL)
	return nil, lastErr
}

// waitBackoff sleeps the exponential backoff for the given attempt,
// capped at the configured maximum, yielding on cancellation.
func (s *Scraper) waitBackoff(ctx context.Context, attempt int) error {
	base := s.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base * time.Duration(1<<(attempt-1))
	if max := s.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrRunAborted
	case <-timer.C:
		return nil
	}
}

// attachDetails fetches each retained record's detail page and folds in
// reviews and detail-only fields. Failures degrade to a record without
// reviews; the parent is never dropped. Detail fetches for one page run
// concurrently, bounded by ReviewParallelism.
func (s *Scraper) attachDetails(ctx context.Context, books []*models.Book) {
	sem := make(chan struct{}, s.cfg.ReviewParallelism)
	var wg sync.WaitGroup

	for _, book := range books {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(book *models.Book) {
			defer wg.Done()
			defer func() { <-sem }()
			s.enrich(ctx, book)
		}(book)
	}
	wg.Wait()
}

func (s *Scraper) enrich(ctx context.Context, book *models.Book) {
	key := pipeline.Canonicalize(book.URL)
	body, ok := s.detailCache.Get(key)
	if !ok {
		var attempt int
		fetched, err := s.fetchPage(ctx, book.URL, "detail", &attempt)
		if err != nil {
			s.logger.Warn("detail fetch failed, keeping record without reviews",
				slog.String("url", book.URL),
				slog.Any("error", err),
			)
			return
		}
		body = fetched
		s.detailCache.Add(key, body)
	}

	if err := s.parser.ParseDetailPage(body, book); err != nil {
		s.logger.Debug("detail page parse failed",
			slog.String("url", book.URL),
			slog.Any("error", err),
		)
	}
	book.Reviews = s.fetchReviews(ctx, book, body)
}

// fetchReviews pulls the dedicated review page for the record's ASIN.
// Records without an ASIN, and review pages that cannot be fetched,
// fall back to whatever reviews the detail page embeds.
func (s *Scraper) fetchReviews(ctx context.Context, book *models.Book, detailBody []byte) []models.Review {
	asin := book.ASIN
	if asin == "" {
		if extracted, ok := parser.ExtractASIN(book.URL); ok {
			asin = extracted
		}
	}

	if asin != "" {
		reviewURL := s.reviewPageURL(asin)
		key := pipeline.Canonicalize(reviewURL)
		body, cached := s.detailCache.Get(key)
		if !cached {
			var attempt int
			fetched, err := s.fetchPage(ctx, reviewURL, "reviews", &attempt)
			if err != nil {
				s.logger.Warn("review page fetch failed, using detail page reviews",
					slog.String("url", reviewURL),
					slog.Any("error", err),
				)
			} else {
				body = fetched
				s.detailCache.Add(key, body)
				cached = true
			}
		}
		if cached {
			if reviews, err := s.parser.ParseReviews(body); err == nil {
				return reviews
			}
		}
	}

	reviews, err := s.parser.ParseReviews(detailBody)
	if err != nil {
		s.logger.Debug("review parse failed",
			slog.String("url", book.URL),
			slog.Any("error", err),
		)
		return nil
	}
	return reviews
}

func (s *Scraper) reviewPageURL(asin string) string {
	u := *s.sched.base
	u.Path = "/product-reviews/" + asin
	u.RawQuery = ""
	return u.String()
}

func (s *Scraper) recordFailedURL(pageURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedURLs = append(s.failedURLs, pageURL)
}

func (s *Scraper) snapshotFailedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failedURLs))
	copy(out, s.failedURLs)
	return out
}
