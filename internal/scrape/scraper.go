package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/joseph-ayodele/workledger/internal/llm"
	"github.com/joseph-ayodele/workledger/internal/ratelimit"
)

// ErrRateLimited is returned when the site throttles the scraper, either
// with a 429 or with a 200 page carrying a rate-limit marker.
var ErrRateLimited = errors.New("scraper is rate limited")

// StatusError is returned for any other non-200 response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Selectors locate the parts of a product listing page.
type Selectors struct {
	Title        string
	Product      string
	ProductTitle string
	Description  string
	Link         string
}

var DefaultSelectors = Selectors{
	Title:        "h1.productsTitle--tHP5S",
	Product:      "div.product--WiTVr",
	ProductTitle: "h2.product_title--eQD3J",
	Description:  "div.productInfo__description--S1odY",
	Link:         "a[href]",
}

type Config struct {
	UserAgent        string
	Timeout          time.Duration
	MaxProducts      int
	RateLimitMarkers []string
	Selectors        Selectors
}

// Page is what the scraper extracts from one listing page.
type Page struct {
	URL      string
	Title    string
	Products []llm.Product
	// Grouped marks facet-grouped listing pages.
	Grouped bool
}

type Scraper struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

func New(cfg Config, limiter *ratelimit.Limiter, logger *slog.Logger) *Scraper {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "workledger-bot"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxProducts <= 0 {
		cfg.MaxProducts = 70
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		log:     logger,
	}
}

// CleanURL drops the query string.
func CleanURL(raw string) string {
	u, _, _ := strings.Cut(strings.TrimSpace(raw), "?")
	return u
}

// Fetch downloads and parses one listing page. A page without products is
// returned with an empty Products slice and no error.
func (s *Scraper) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	url := CleanURL(rawURL)
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("scrape.fetch.error", "url", url, "error", err)
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			s.log.Warn("scrape.body_close_error", "url", url, "error", err)
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		s.log.Warn("scrape.rate_limited", "url", url, "status", resp.StatusCode)
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		s.log.Warn("scrape.fetch.status", "url", url, "status", resp.StatusCode)
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}

	page, err := s.Parse(url, body)
	if err != nil {
		return nil, err
	}
	if len(page.Products) == 0 && s.hasRateLimitMarker(body) {
		s.log.Warn("scrape.rate_limited", "url", url, "status", resp.StatusCode, "marker", true)
		return nil, ErrRateLimited
	}
	s.log.Info("scrape.fetch.ok",
		"url", url,
		"title", page.Title,
		"products", len(page.Products),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return page, nil
}

// Parse extracts the title and up to MaxProducts products that carry a
// usable link and a non-empty description.
func (s *Scraper) Parse(url string, body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	sel := s.cfg.Selectors
	page := &Page{
		URL:     url,
		Title:   strings.TrimSpace(doc.Find(sel.Title).First().Text()),
		Grouped: bytes.Contains(body, []byte("FacetValueV2")),
	}
	if page.Title == "" {
		page.Title = "No Title Found"
	}

	doc.Find(sel.Product).EachWithBreak(func(i int, c *goquery.Selection) bool {
		if i >= s.cfg.MaxProducts {
			return false
		}
		href, _ := c.Find(sel.Link).First().Attr("href")
		desc := strings.TrimSpace(c.Find(sel.Description).First().Text())
		if !validLink(href) || desc == "" {
			return true
		}
		title := strings.TrimSpace(c.Find(sel.ProductTitle).First().Text())
		if title == "" {
			title = "No Title"
		}
		page.Products = append(page.Products, llm.Product{Title: title, URL: strings.TrimSpace(href), Description: desc})
		return true
	})
	return page, nil
}

func (s *Scraper) hasRateLimitMarker(body []byte) bool {
	for _, m := range s.cfg.RateLimitMarkers {
		if m != "" && bytes.Contains(body, []byte(m)) {
			return true
		}
	}
	return false
}

func validLink(href string) bool {
	h := strings.ToLower(strings.TrimSpace(href))
	return h != "" && h != "#" && !strings.HasPrefix(h, "javascript:")
}
