package pipeline

import (
	"strings"

	"github.com/cresus-ui/amazon-KDP-scraper/config"
	"github.com/cresus-ui/amazon-KDP-scraper/models"
)

// Filter is the pure record predicate for a run. The zero value passes
// everything.
type Filter struct {
	categories map[string]struct{}
	minRating  float64
	priceRange config.PriceRange
}

// NewFilter builds a filter from the run configuration.
func NewFilter(cfg *config.Config) *Filter {
	f := &Filter{
		minRating:  cfg.MinRating,
		priceRange: cfg.PriceRange,
	}
	if len(cfg.Categories) > 0 {
		f.categories = make(map[string]struct{}, len(cfg.Categories))
		for _, category := range cfg.Categories {
			f.categories[strings.ToLower(strings.TrimSpace(category))] = struct{}{}
		}
	}
	return f
}

// Match reports whether the record passes every configured predicate.
// Records missing a field always fail the corresponding non-default
// predicate: a rating or price that cannot be verified is excluded.
func (f *Filter) Match(book *models.Book) bool {
	if book == nil {
		return false
	}
	return f.matchCategories(book) && f.matchRating(book) && f.matchPrice(book)
}

func (f *Filter) matchCategories(book *models.Book) bool {
	if len(f.categories) == 0 {
		return true
	}
	for _, category := range book.Categories {
		if _, ok := f.categories[strings.ToLower(strings.TrimSpace(category))]; ok {
			return true
		}
	}
	return false
}

func (f *Filter) matchRating(book *models.Book) bool {
	if f.minRating <= 0 {
		return true
	}
	return book.Rating != nil && *book.Rating >= f.minRating
}

func (f *Filter) matchPrice(book *models.Book) bool {
	if !f.priceRange.Bounded() {
		return true
	}
	if book.Price == nil {
		return false
	}
	price := *book.Price
	if price < f.priceRange.Min {
		return false
	}
	if f.priceRange.Max > 0 && price > f.priceRange.Max {
		return false
	}
	return true
}
