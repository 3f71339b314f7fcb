package scraper

import (
	"net/url"
	"strconv"

	"github.com/cresus-ui/amazon-KDP-scraper/config"
)

// sortRank maps the run-level sort orders to the store's search ranking
// parameter. Relevance is the store default and sends no parameter.
var sortRank = map[string]string{
	config.SortPriceLowToHigh: "price-asc-rank",
	config.SortPriceHighToLow: "price-desc-rank",
	config.SortAvgReview:      "review-rank",
	config.SortNewestArrivals: "date-desc-rank",
}

// BuildSearchURL assembles the Kindle-store search URL for one term and
// results page. Pages are one-based; page 1 omits the page parameter.
func BuildSearchURL(base *url.URL, term, sortBy string, page int) string {
	params := url.Values{}
	params.Set("k", term)
	params.Set("i", "digital-text")
	params.Set("ref", "sr_nr_i_0")
	if rank, ok := sortRank[sortBy]; ok {
		params.Set("s", rank)
	}
	if page > 1 {
		params.Set("page", strconv.Itoa(page))
	}

	result := *base
	result.Path = "/s"
	result.RawQuery = params.Encode()
	return result.String()
}
