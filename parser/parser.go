// Package parser converts fetched catalog pages into typed records.
// Every field except the product URL is optional: a fragment that cannot
// be parsed costs its own field, never the record or the page.
package parser

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/cresus-ui/amazon-KDP-scraper/models"
)

const (
	maxReviewsPerBook = 10
	descriptionLimit  = 500
	reviewTextLimit   = 300
)

// SearchPage is the parsed form of one search-results page.
type SearchPage struct {
	Books            []*models.Book
	SkippedMalformed int
	HasNext          bool
}

// Parser extracts book records from search, detail and review pages.
type Parser struct {
	logger *slog.Logger

	// OnFieldMiss, when set, is called once per field that had source
	// text but could not be parsed.
	OnFieldMiss func(field string)
}

// New builds a Parser. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger.With(slog.String("component", "parser"))}
}

// ParseSearchPage walks the listing blocks of a search-results page.
// Blocks without a usable product URL are counted as malformed and
// skipped; they cannot be deduplicated or emitted.
func (p *Parser) ParseSearchPage(body []byte, base *url.URL) (*SearchPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}

	page := &SearchPage{}
	doc.Find(`div[data-component-type="s-search-result"]`).Each(func(_ int, block *goquery.Selection) {
		book := p.parseListing(block, base)
		if book == nil {
			page.SkippedMalformed++
			return
		}
		page.Books = append(page.Books, book)
	})

	// A present next-page anchor signals more results; a disabled one is
	// rendered as a span and will not match.
	page.HasNext = doc.Find("a.s-pagination-next").Length() > 0 ||
		doc.Find("li.a-last a").Length() > 0
	return page, nil
}

func (p *Parser) parseListing(block *goquery.Selection, base *url.URL) *models.Book {
	href, ok := firstAttr(block, "href", "h2 a", "a.a-link-normal")
	if !ok {
		p.logger.Debug("listing block without product link, skipping")
		return nil
	}
	bookURL := absoluteURL(base, href)
	if bookURL == "" {
		p.logger.Debug("listing block with unresolvable link, skipping", slog.String("href", href))
		return nil
	}

	book := &models.Book{
		URL:       bookURL,
		ScrapedAt: time.Now().UTC(),
	}
	if asin, ok := ExtractASIN(bookURL); ok {
		book.ASIN = asin
	}

	if title, ok := firstText(block, "h2 a span", "h2 a", "h2"); ok {
		book.Title = title
	}
	if author, ok := firstText(block, "a.a-size-base", ".author a", ".a-row .a-size-base"); ok {
		book.Author = strings.TrimPrefix(author, "by ")
	}

	if text, ok := firstText(block, ".a-price .a-offscreen", ".a-price-whole"); ok {
		if price, ok := ParsePrice(text); ok {
			book.Price = models.Float(price)
		} else {
			p.fieldMiss("price", text, bookURL)
		}
	}
	if text, ok := firstText(block, "i.a-icon-star-small .a-icon-alt", ".a-icon-alt"); ok {
		if rating, ok := ParseRating(text); ok {
			book.Rating = models.Float(rating)
		} else {
			p.fieldMiss("rating", text, bookURL)
		}
	}
	if text, ok := firstText(block, "span.a-size-base.s-underline-text", "#acrCustomerReviewText"); ok {
		if count, ok := ParseCount(text); ok {
			book.ReviewCount = models.Int(count)
		} else {
			p.fieldMiss("review_count", text, bookURL)
		}
	}
	if src, ok := firstAttr(block, "src", "img.s-image", "img"); ok {
		book.ImageURL = absoluteURL(base, src)
	}
	return book
}

// ParseDetailPage enriches a record with fields only present on the
// product detail page. Missing sections leave the record untouched.
func (p *Parser) ParseDetailPage(body []byte, book *models.Book) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse detail page: %w", err)
	}

	if desc, ok := firstText(doc.Selection,
		"#bookDescription_feature_div", "#feature-bullets ul", ".a-expander-content"); ok {
		book.Description = truncate(desc, descriptionLimit)
	}

	entries := detailEntries(doc)
	if value, ok := entries["publication date"]; ok {
		book.PublicationDate = value
	}
	if value, ok := firstEntry(entries, "print length", "pages", "page count"); ok {
		if pages, ok := ParsePageCount(value); ok {
			book.PageCount = models.Int(pages)
		} else {
			p.fieldMiss("page_count", value, book.URL)
		}
	}
	if value, ok := entries["language"]; ok {
		book.Language = value
	}
	if value, ok := firstEntry(entries, "isbn-13", "isbn-10", "isbn"); ok {
		book.ISBN = value
	}

	doc.Find("#wayfinding-breadcrumbs_feature_div a").Each(func(_ int, link *goquery.Selection) {
		category := strings.TrimSpace(link.Text())
		if category == "" || category == "Books" || category == "Kindle Store" {
			return
		}
		book.Categories = append(book.Categories, category)
	})

	if book.ImageURL == "" {
		if src, ok := firstAttr(doc.Selection, "src",
			"#landingImage", "#ebooksImgBlkFront", ".a-dynamic-image"); ok {
			book.ImageURL = src
		}
	}
	if book.Rating == nil {
		if text, ok := firstText(doc.Selection, `[data-hook="average-star-rating"] .a-icon-alt`, ".a-icon-alt"); ok {
			if rating, ok := ParseRating(text); ok {
				book.Rating = models.Float(rating)
			}
		}
	}
	if book.ReviewCount == nil {
		if text, ok := firstText(doc.Selection, "#acrCustomerReviewText", `[data-hook="total-review-count"]`); ok {
			if count, ok := ParseCount(text); ok {
				book.ReviewCount = models.Int(count)
			}
		}
	}
	return nil
}

// ParseReviews extracts up to ten customer reviews from a review page.
func (p *Parser) ParseReviews(body []byte) ([]models.Review, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse review page: %w", err)
	}

	var reviews []models.Review
	doc.Find(`div[data-hook="review"]`).EachWithBreak(func(i int, block *goquery.Selection) bool {
		if i >= maxReviewsPerBook {
			return false
		}
		review := models.Review{}
		if text, ok := firstText(block, "i.a-icon-star .a-icon-alt", ".a-icon-alt"); ok {
			if rating, ok := ParseRating(text); ok {
				review.Rating = models.Float(rating)
			}
		}
		if title, ok := firstText(block, `a[data-hook="review-title"] span:not(.a-icon-alt)`, `a[data-hook="review-title"]`); ok {
			review.Title = title
		}
		if text, ok := firstText(block, `span[data-hook="review-body"]`); ok {
			review.Text = truncate(text, reviewTextLimit)
		}
		if author, ok := firstText(block, "span.a-profile-name"); ok {
			review.Author = author
		}
		if date, ok := firstText(block, `span[data-hook="review-date"]`); ok {
			review.Date = date
		}
		reviews = append(reviews, review)
		return true
	})
	return reviews, nil
}

func (p *Parser) fieldMiss(field, raw, url string) {
	if p.OnFieldMiss != nil {
		p.OnFieldMiss(field)
	}
	p.logger.Debug("field parse miss",
		slog.String("field", field),
		slog.String("raw", truncate(raw, 60)),
		slog.String("url", url),
	)
}

// detailEntries flattens the product-details bullet list into a
// label -> value map with lowercased labels.
func detailEntries(doc *goquery.Document) map[string]string {
	entries := make(map[string]string)

	doc.Find("#detailBullets_feature_div span.a-list-item, #productDetails_feature_div span.a-list-item").
		Each(func(_ int, item *goquery.Selection) {
			spans := item.Find("span")
			if spans.Length() < 2 {
				return
			}
			label := normalizeLabel(spans.First().Text())
			value := strings.TrimSpace(spans.Last().Text())
			if label != "" && value != "" {
				entries[label] = value
			}
		})

	// Table-style details (print editions).
	doc.Find("#productDetails_detailBullets_sections1 tr").Each(func(_ int, row *goquery.Selection) {
		label := normalizeLabel(row.Find("th").Text())
		value := strings.TrimSpace(row.Find("td").Text())
		if label != "" && value != "" {
			entries[label] = value
		}
	})
	return entries
}

func normalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	// Detail bullets decorate labels with colons and RTL/LRM marks.
	label = strings.Map(func(r rune) rune {
		switch r {
		case ':', '‎', '‏':
			return -1
		}
		return r
	}, label)
	return strings.TrimSpace(label)
}

func firstEntry(entries map[string]string, keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := entries[key]; ok {
			return value, true
		}
	}
	return "", false
}

func absoluteURL(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		if ref.IsAbs() {
			return ref.String()
		}
		return ""
	}
	return base.ResolveReference(ref).String()
}
