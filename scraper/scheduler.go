package scraper

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cresus-ui/amazon-KDP-scraper/config"
)

// JobState tracks one search job through its pagination lifecycle.
type JobState int

const (
	// JobPending means no page has been requested yet.
	JobPending JobState = iota
	// JobFetching means the job is working through result pages.
	JobFetching
	// JobExhausted means a page yielded no listings or no next-page
	// anchor; there are no more results to fetch.
	JobExhausted
	// JobCapReached means the accepted record count hit the job's cap.
	JobCapReached
	// JobFailed means the job's current page could not be fetched and
	// pagination cannot continue.
	JobFailed
	// JobAborted means the run was cancelled while the job was active.
	JobAborted
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobFetching:
		return "fetching"
	case JobExhausted:
		return "exhausted"
	case JobCapReached:
		return "cap_reached"
	case JobFailed:
		return "failed"
	case JobAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Done reports whether the state is terminal.
func (s JobState) Done() bool {
	switch s {
	case JobExhausted, JobCapReached, JobFailed, JobAborted:
		return true
	}
	return false
}

// Job is one search term working through paginated results. It is
// mutated only by its own goroutine; state reads for the final summary
// go through the mutex.
type Job struct {
	Term       string
	MaxResults int

	mu          sync.Mutex
	state       JobState
	page        int
	accepted    int
	lastRequest time.Time
}

// State returns the job's current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Accepted returns the post-filter, post-dedup record count.
func (j *Job) Accepted() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.accepted
}

// RecordAccepted counts one accepted record and reports whether the
// job's result cap has been reached.
func (j *Job) RecordAccepted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.accepted++
	if j.accepted >= j.MaxResults {
		j.state = JobCapReached
		return true
	}
	return false
}

// MarkExhausted records that pagination ran out of results.
func (j *Job) MarkExhausted() { j.setState(JobExhausted) }

// MarkFailed records that the job's page could not be fetched.
func (j *Job) MarkFailed() { j.setState(JobFailed) }

// MarkAborted records run cancellation.
func (j *Job) MarkAborted() { j.setState(JobAborted) }

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.Done() {
		j.state = s
	}
}

// PageRequest is one page fetch to issue. The attempt counter is
// incremented by the orchestrator's retry loop.
type PageRequest struct {
	Job     *Job
	Page    int
	URL     string
	Attempt int
}

// Scheduler turns search jobs into an ordered sequence of page requests,
// enforcing the per-job inter-request delay. Delays are per job: the
// cooperative wait in Next never serializes independent jobs.
type Scheduler struct {
	base   *url.URL
	sortBy string
	delay  time.Duration
	jobs   []*Job
}

// NewScheduler builds one job per configured search term.
func NewScheduler(cfg *config.Config) (*Scheduler, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	jobs := make([]*Job, 0, len(cfg.SearchTerms))
	for _, term := range cfg.SearchTerms {
		jobs = append(jobs, &Job{
			Term:       term,
			MaxResults: cfg.MaxResults,
		})
	}
	return &Scheduler{
		base:   base,
		sortBy: cfg.SortBy,
		delay:  cfg.RequestDelay,
		jobs:   jobs,
	}, nil
}

// Jobs returns the run's jobs in input order.
func (s *Scheduler) Jobs() []*Job {
	return s.jobs
}

// Next advances the job to its next page and returns the request to
// issue, after honoring the inter-request delay relative to the job's
// previous page. Returns nil when the job is already in a terminal
// state, and ErrRunAborted when the context is cancelled during the
// delay.
func (s *Scheduler) Next(ctx context.Context, job *Job) (*PageRequest, error) {
	job.mu.Lock()
	if job.state.Done() {
		job.mu.Unlock()
		return nil, nil
	}
	job.state = JobFetching

	var wait time.Duration
	if job.page > 0 && s.delay > 0 {
		wait = s.delay - time.Since(job.lastRequest)
	}
	job.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			job.MarkAborted()
			return nil, ErrRunAborted
		case <-timer.C:
		}
	}

	job.mu.Lock()
	job.page++
	job.lastRequest = time.Now()
	page := job.page
	job.mu.Unlock()

	return &PageRequest{
		Job:  job,
		Page: page,
		URL:  BuildSearchURL(s.base, job.Term, s.sortBy, page),
	}, nil
}
