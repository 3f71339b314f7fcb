package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Input mirrors the JSON run configuration accepted on the platform.
type Input struct {
	SearchTerms    []string    `json:"searchTerms"`
	Categories     []string    `json:"categories"`
	MaxResults     *int        `json:"maxResults"`
	IncludeReviews *bool       `json:"includeReviews"`
	MinRating      *float64    `json:"minRating"`
	PriceRange     *PriceRange `json:"priceRange"`
	SortBy         string      `json:"sortBy"`
	RequestDelay   *int        `json:"requestDelay"`
	ProxyConfig    *struct {
		UseApifyProxy bool `json:"useApifyProxy"`
	} `json:"proxyConfiguration"`
}

// LoadInput parses a JSON input file.
func LoadInput(path string) (*Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse input file: %w", err)
	}
	return &in, nil
}

// Apply copies the input onto the configuration. Per-term result caps
// above MaxResultsCeiling are clamped, and the request delay is raised
// to the one-second floor. Both adjustments are silent here; Validate
// still catches everything incoherent.
func (c *Config) Apply(in *Input) {
	if in == nil {
		return
	}
	if len(in.SearchTerms) > 0 {
		c.SearchTerms = in.SearchTerms
	}
	if len(in.Categories) > 0 {
		c.Categories = in.Categories
	}
	if in.MaxResults != nil {
		c.MaxResults = *in.MaxResults
	}
	if in.IncludeReviews != nil {
		c.IncludeReviews = *in.IncludeReviews
	}
	if in.MinRating != nil {
		c.MinRating = *in.MinRating
	}
	if in.PriceRange != nil {
		c.PriceRange = *in.PriceRange
	}
	if in.SortBy != "" {
		c.SortBy = in.SortBy
	}
	if in.RequestDelay != nil {
		c.RequestDelay = time.Duration(*in.RequestDelay) * time.Second
	}
	if in.ProxyConfig != nil {
		c.UseApifyProxy = in.ProxyConfig.UseApifyProxy
	}
	c.Clamp()
}

// Clamp applies the soft limits: the per-term cap ceiling and the
// minimum inter-request delay.
func (c *Config) Clamp() {
	if c.MaxResults > MaxResultsCeiling {
		c.MaxResults = MaxResultsCeiling
	}
	if c.GlobalCap > MaxResultsCeiling {
		c.GlobalCap = MaxResultsCeiling
	}
	if c.RequestDelay > 0 && c.RequestDelay < time.Second {
		c.RequestDelay = time.Second
	}
}

// ApifyProxyURL assembles the platform proxy URL from the environment.
// Returns empty when the proxy password is not configured.
func ApifyProxyURL() string {
	password, ok := EnvString("APIFY_PROXY_PASSWORD")
	if !ok {
		return ""
	}
	hostname, ok := EnvString("APIFY_PROXY_HOSTNAME")
	if !ok {
		hostname = "proxy.apify.com"
	}
	port, ok := EnvString("APIFY_PROXY_PORT")
	if !ok {
		port = "8000"
	}
	return fmt.Sprintf("http://auto:%s@%s:%s", password, hostname, port)
}
