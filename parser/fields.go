package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Field extractors convert raw page text into typed values. They never
// return errors: any unparseable input yields (zero, false) so a single
// broken fragment can only cost its own field.

var (
	priceRe  = regexp.MustCompile(`(\d{1,3}(?:,\d{3})*(?:\.\d+)?|\d+(?:\.\d+)?)`)
	ratingRe = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(?:out of|/|von)?`)
	countRe  = regexp.MustCompile(`(\d{1,3}(?:,\d{3})*|\d+)`)
	pagesRe  = regexp.MustCompile(`(\d+)`)
	asinRe   = regexp.MustCompile(`/dp/([A-Z0-9]{10})`)
)

// ParsePrice extracts a decimal price from text such as "$12.99",
// "£1,299.00" or "12.99". Currency symbols and thousands separators
// are stripped.
func ParsePrice(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	match := priceRe.FindString(text)
	if match == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

// ParseRating extracts a star rating on the 0.0-5.0 scale from variants
// like "4.5 out of 5 stars", "4,5 von 5" or a bare "4.5". Values outside
// the scale are rejected rather than clamped.
func ParseRating(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	match := ratingRe.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", "."), 64)
	if err != nil || value < 0 || value > 5 {
		return 0, false
	}
	return value, true
}

// ParseCount extracts a non-negative integer from text containing
// thousands separators, e.g. "1,234 ratings".
func ParseCount(text string) (int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	match := countRe.FindString(text)
	if match == "" {
		return 0, false
	}
	value, err := strconv.Atoi(strings.ReplaceAll(match, ",", ""))
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

// ParsePageCount extracts a page count from text like "320 pages".
func ParsePageCount(text string) (int, bool) {
	match := pagesRe.FindString(text)
	if match == "" {
		return 0, false
	}
	value, err := strconv.Atoi(match)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

// ExtractASIN pulls the ten-character product identifier out of a
// product URL.
func ExtractASIN(rawURL string) (string, bool) {
	match := asinRe.FindStringSubmatch(rawURL)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// firstText returns the trimmed text of the first selector that matches
// a non-empty node.
func firstText(sel *goquery.Selection, selectors ...string) (string, bool) {
	for _, selector := range selectors {
		text := strings.TrimSpace(sel.Find(selector).First().Text())
		if text != "" {
			return text, true
		}
	}
	return "", false
}

// firstAttr returns the named attribute from the first selector that
// carries it.
func firstAttr(sel *goquery.Selection, attr string, selectors ...string) (string, bool) {
	for _, selector := range selectors {
		if value, ok := sel.Find(selector).First().Attr(attr); ok {
			value = strings.TrimSpace(value)
			if value != "" {
				return value, true
			}
		}
	}
	return "", false
}

func truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
