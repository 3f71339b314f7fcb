package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cresus-ui/amazon-KDP-scraper/config"
	"github.com/cresus-ui/amazon-KDP-scraper/models"
)

func filterConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.DefaultConfig()
	cfg.SearchTerms = []string{"test"}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func TestFilterZeroValuePassesEverything(t *testing.T) {
	f := NewFilter(filterConfig(nil))

	assert.True(t, f.Match(&models.Book{URL: "https://www.amazon.com/dp/B000000001"}))
	assert.True(t, f.Match(&models.Book{URL: "u", Rating: models.Float(1.0), Price: models.Float(999)}))
	assert.False(t, f.Match(nil))
}

func TestFilterMinRating(t *testing.T) {
	f := NewFilter(filterConfig(func(c *config.Config) { c.MinRating = 4.0 }))

	books := []*models.Book{
		{URL: "a", Rating: models.Float(3.5)},
		{URL: "b"}, // rating absent, cannot be verified
		{URL: "c", Rating: models.Float(4.2)},
		{URL: "d", Rating: models.Float(5.0)},
	}

	passed := 0
	for _, book := range books {
		if f.Match(book) {
			passed++
		}
	}
	assert.Equal(t, 2, passed)
	assert.False(t, f.Match(books[1]), "absent rating must fail a non-zero threshold")
	assert.True(t, f.Match(&models.Book{URL: "e", Rating: models.Float(4.0)}), "threshold is inclusive")
}

func TestFilterPriceRange(t *testing.T) {
	tests := []struct {
		name  string
		rng   config.PriceRange
		price *float64
		want  bool
	}{
		{name: "inside", rng: config.PriceRange{Min: 5, Max: 20}, price: models.Float(9.99), want: true},
		{name: "below min", rng: config.PriceRange{Min: 5, Max: 20}, price: models.Float(2.99), want: false},
		{name: "above max", rng: config.PriceRange{Min: 5, Max: 20}, price: models.Float(29.99), want: false},
		{name: "boundary min", rng: config.PriceRange{Min: 5, Max: 20}, price: models.Float(5), want: true},
		{name: "boundary max", rng: config.PriceRange{Min: 5, Max: 20}, price: models.Float(20), want: true},
		{name: "absent price bounded", rng: config.PriceRange{Min: 5, Max: 20}, price: nil, want: false},
		{name: "min only no upper bound", rng: config.PriceRange{Min: 5}, price: models.Float(500), want: true},
		{name: "unbounded absent price", rng: config.PriceRange{}, price: nil, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(filterConfig(func(c *config.Config) { c.PriceRange = tt.rng }))
			got := f.Match(&models.Book{URL: "u", Price: tt.price})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterCategories(t *testing.T) {
	f := NewFilter(filterConfig(func(c *config.Config) {
		c.Categories = []string{"Science Fiction", "fantasy"}
	}))

	assert.True(t, f.Match(&models.Book{URL: "a", Categories: []string{"Fantasy"}}),
		"category match is case-insensitive")
	assert.True(t, f.Match(&models.Book{URL: "b", Categories: []string{"Romance", "science fiction"}}),
		"any overlapping category passes")
	assert.False(t, f.Match(&models.Book{URL: "c", Categories: []string{"Romance"}}))
	assert.False(t, f.Match(&models.Book{URL: "d"}),
		"record without categories fails a configured category filter")
}

func TestFilterIsDeterministic(t *testing.T) {
	f := NewFilter(filterConfig(func(c *config.Config) {
		c.MinRating = 4.0
		c.PriceRange = config.PriceRange{Min: 1, Max: 50}
	}))
	book := &models.Book{URL: "u", Rating: models.Float(4.5), Price: models.Float(9.99)}

	first := f.Match(book)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, f.Match(book))
	}
}
