// Package models defines data structures for the scraper.
package models

import (
	"sync/atomic"
	"time"
)

// Book is one extracted catalog record. URL is the only field guaranteed
// to be present; every other field may be absent when the source page did
// not expose it or the fragment could not be parsed.
type Book struct {
	URL             string    `json:"url"`
	ASIN            string    `json:"asin,omitempty"`
	Title           string    `json:"title,omitempty"`
	Author          string    `json:"author,omitempty"`
	Price           *float64  `json:"price,omitempty"`
	Rating          *float64  `json:"rating,omitempty"`
	ReviewCount     *int      `json:"review_count,omitempty"`
	Description     string    `json:"description,omitempty"`
	PublicationDate string    `json:"publication_date,omitempty"`
	PageCount       *int      `json:"page_count,omitempty"`
	Language        string    `json:"language,omitempty"`
	ISBN            string    `json:"isbn,omitempty"`
	Categories      []string  `json:"categories,omitempty"`
	ImageURL        string    `json:"image_url,omitempty"`
	Reviews         []Review  `json:"reviews,omitempty"`
	ScrapedAt       time.Time `json:"scraped_at"`
}

// Review is one customer review, owned by its parent Book.
type Review struct {
	Rating *float64 `json:"rating,omitempty"`
	Title  string   `json:"title,omitempty"`
	Text   string   `json:"text,omitempty"`
	Author string   `json:"author,omitempty"`
	Date   string   `json:"date,omitempty"`
}

// RunStats holds process-wide counters for one run. All fields are
// incremented atomically; the struct is shared across job goroutines.
type RunStats struct {
	PagesFetched      atomic.Int64
	PagesFailed       atomic.Int64
	RecordsEmitted    atomic.Int64
	DuplicatesSkipped atomic.Int64
	SkippedMalformed  atomic.Int64
	Retries           atomic.Int64
}

// StatsSnapshot is an immutable copy of RunStats for the final summary.
type StatsSnapshot struct {
	PagesFetched      int64 `json:"pages_fetched"`
	PagesFailed       int64 `json:"pages_failed"`
	RecordsEmitted    int64 `json:"records_emitted"`
	DuplicatesSkipped int64 `json:"duplicates_skipped"`
	SkippedMalformed  int64 `json:"skipped_malformed"`
	Retries           int64 `json:"retries"`
}

// Snapshot returns a point-in-time copy of the counters.
func (s *RunStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PagesFetched:      s.PagesFetched.Load(),
		PagesFailed:       s.PagesFailed.Load(),
		RecordsEmitted:    s.RecordsEmitted.Load(),
		DuplicatesSkipped: s.DuplicatesSkipped.Load(),
		SkippedMalformed:  s.SkippedMalformed.Load(),
		Retries:           s.Retries.Load(),
	}
}

// RunResult summarizes one completed run.
type RunResult struct {
	Stats      StatsSnapshot
	StartTime  time.Time
	EndTime    time.Time
	FailedURLs []string
	JobStates  map[string]string
}

// Float returns a pointer to v, for optional numeric fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for optional numeric fields.
func Int(v int) *int { return &v }
