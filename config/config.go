package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Sort orders accepted for search result listings.
const (
	SortRelevance      = "relevance"
	SortPriceLowToHigh = "price-low-to-high"
	SortPriceHighToLow = "price-high-to-low"
	SortAvgReview      = "avg-customer-review"
	SortNewestArrivals = "newest-arrivals"
)

// MaxResultsCeiling is the soft global guidance for one run; per-term
// caps above it are clamped rather than rejected.
const MaxResultsCeiling = 1000

// PriceRange bounds the price filter. Max <= 0 means unbounded above.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Bounded reports whether the range constrains anything at all.
func (r PriceRange) Bounded() bool {
	return r.Min > 0 || r.Max > 0
}

// Config holds the full run configuration.
type Config struct {
	// Search input.
	SearchTerms    []string
	Categories     []string
	MaxResults     int
	IncludeReviews bool
	MinRating      float64
	PriceRange     PriceRange
	SortBy         string
	RequestDelay   time.Duration
	GlobalCap      int

	// Target and transport.
	BaseURL       string
	UseApifyProxy bool
	ProxyURL      string
	UserAgents    []string
	Timeout       time.Duration

	// Retry policy.
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	// Concurrency and buffering.
	Parallelism        int
	ReviewParallelism  int
	DetailCacheSize    int
	PipelineBufferSize int
	BatchSize          int

	// Output and observability.
	OutputFile   string
	OutputFormat string // csv, json, or dual
	MetricsAddr  string
	Verbose      bool
}

// DefaultConfig returns conservative defaults for the Kindle store target.
func DefaultConfig() *Config {
	return &Config{
		MaxResults:         100,
		MinRating:          0,
		SortBy:             SortRelevance,
		RequestDelay:       2 * time.Second,
		GlobalCap:          MaxResultsCeiling,
		BaseURL:            "https://www.amazon.com",
		UserAgents:         defaultUserAgents(),
		Timeout:            30 * time.Second,
		MaxRetries:         3,
		RetryBackoff:       2 * time.Second,
		RetryBackoffMax:    60 * time.Second,
		Parallelism:        4,
		ReviewParallelism:  4,
		DetailCacheSize:    512,
		PipelineBufferSize: 512,
		BatchSize:          32,
		OutputFile:         "output/books.json",
		OutputFormat:       "json",
	}
}

// Validate ensures all configuration values are coherent. A failure here
// is fatal and must surface before any fetch occurs.
func (c *Config) Validate() error {
	if len(c.SearchTerms) == 0 {
		return fmt.Errorf("at least one search term is required")
	}
	for _, term := range c.SearchTerms {
		if term == "" {
			return fmt.Errorf("search terms cannot be empty strings")
		}
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.MaxResults <= 0 {
		return fmt.Errorf("max results must be positive")
	}
	if c.GlobalCap <= 0 {
		return fmt.Errorf("global cap must be positive")
	}
	if c.MinRating < 0 || c.MinRating > 5 {
		return fmt.Errorf("min rating must be between 0 and 5, got %g", c.MinRating)
	}
	if c.PriceRange.Min < 0 {
		return fmt.Errorf("price range min cannot be negative")
	}
	if c.PriceRange.Max < 0 {
		return fmt.Errorf("price range max cannot be negative")
	}
	if c.PriceRange.Max > 0 && c.PriceRange.Min > c.PriceRange.Max {
		return fmt.Errorf("price range min (%.2f) exceeds max (%.2f)", c.PriceRange.Min, c.PriceRange.Max)
	}
	switch c.SortBy {
	case SortRelevance, SortPriceLowToHigh, SortPriceHighToLow, SortAvgReview, SortNewestArrivals:
	default:
		return fmt.Errorf("unsupported sort order %q", c.SortBy)
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("request delay cannot be negative")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}

	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.ReviewParallelism <= 0 {
		return fmt.Errorf("review parallelism must be positive")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if len(c.UserAgents) == 0 {
		return fmt.Errorf("at least one user agent is required")
	}
	return nil
}

// EnvInt reads an integer from the environment.
func EnvInt(key string) (int, bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return value, true, nil
}

// EnvString reads a string from the environment.
func EnvString(key string) (string, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/119.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:109.0) Gecko/20100101 Firefox/119.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 Edg/119.0.0.0",
	}
}
