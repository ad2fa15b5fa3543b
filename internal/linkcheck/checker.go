package linkcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/joseph-ayodele/workledger/internal/entity"
	"github.com/joseph-ayodele/workledger/internal/ratelimit"
)

// ErrRateLimited is returned when the site answers a link check with 429.
var ErrRateLimited = errors.New("link check is rate limited")

// BrokenStatusCodes are the HEAD statuses that mark a link as broken.
var BrokenStatusCodes = map[int]bool{
	http.StatusMovedPermanently: true,
	http.StatusNotFound:         true,
}

type Checker struct {
	baseURL string
	client  *http.Client
	limiter *ratelimit.Limiter
	log     *slog.Logger
	now     func() time.Time
}

// NewChecker resolves relative links against baseURL. Redirects are not
// followed so a 301 is seen as such.
func NewChecker(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter, logger *slog.Logger) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: limiter,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ExtractLinks returns the unique relative hrefs in content, in order of
// first appearance.
func ExtractLinks(content string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse content: %w", err)
	}
	seen := map[string]bool{}
	var out []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if !strings.HasPrefix(href, "/") || seen[href] {
			return
		}
		seen[href] = true
		out = append(out, href)
	})
	return out, nil
}

// Validate checks every relative link of content. Links that fail at the
// network level count neither as valid nor as broken.
func (c *Checker) Validate(ctx context.Context, key, content string) (entity.LinkReport, error) {
	report := entity.LinkReport{Key: key, BrokenLinks: []entity.BrokenLink{}, ValidatedAt: c.now()}
	links, err := ExtractLinks(content)
	if err != nil {
		return report, err
	}
	report.TotalLinks = len(links)
	for _, link := range links {
		full := c.baseURL + link
		code, text, err := c.head(ctx, full)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			c.log.Warn("linkcheck.head.error", "key", key, "url", full, "error", err)
			continue
		}
		switch {
		case code == http.StatusTooManyRequests:
			return report, ErrRateLimited
		case BrokenStatusCodes[code]:
			report.BrokenLinks = append(report.BrokenLinks, entity.BrokenLink{URL: link, FullURL: full, StatusCode: code, StatusText: text})
		case code == http.StatusOK:
			report.ValidLinks++
		}
	}
	c.log.Info("linkcheck.validated",
		"key", key,
		"total", report.TotalLinks,
		"valid", report.ValidLinks,
		"broken", len(report.BrokenLinks),
	)
	return report, nil
}

func (c *Checker) head(ctx context.Context, url string) (int, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, http.StatusText(resp.StatusCode), nil
}
