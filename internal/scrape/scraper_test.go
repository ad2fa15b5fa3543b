package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listing(n int) string {
	var b strings.Builder
	b.WriteString(`<html><body><h1 class="productsTitle--tHP5S"> Running shoes </h1>`)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<div class="product--WiTVr"><a href="/p/shoe-%d">x</a><h2 class="product_title--eQD3J">Shoe %d</h2><div class="productInfo__description--S1odY">Light shoe %d</div></div>`, i, i, i)
	}
	b.WriteString(`<div class="product--WiTVr"><a href="javascript:void(0)">x</a><div class="productInfo__description--S1odY">bad link</div></div>`)
	b.WriteString(`<div class="product--WiTVr"><a href="/p/empty">x</a><div class="productInfo__description--S1odY"> </div></div>`)
	b.WriteString(`</body></html>`)
	return b.String()
}

func newScraper(t *testing.T, h http.HandlerFunc, max int) (*Scraper, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s := New(Config{
		UserAgent:        "test-agent",
		MaxProducts:      max,
		RateLimitMarkers: []string{"503 Service Unavailable"},
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, srv.URL
}

func TestFetch_ExtractsProducts(t *testing.T) {
	s, base := newScraper(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Empty(t, r.URL.RawQuery, "query string is stripped")
		_, _ = io.WriteString(w, listing(3))
	}, 70)

	page, err := s.Fetch(context.Background(), base+"/c/shoes?sort=price")
	require.NoError(t, err)
	assert.Equal(t, base+"/c/shoes", page.URL)
	assert.Equal(t, "Running shoes", page.Title)
	require.Len(t, page.Products, 3)
	assert.Equal(t, "/p/shoe-0", page.Products[0].URL)
	assert.Equal(t, "Shoe 0", page.Products[0].Title)
	assert.Equal(t, "Light shoe 0", page.Products[0].Description)
}

func TestFetch_CapsProducts(t *testing.T) {
	s, base := newScraper(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, listing(10))
	}, 4)
	page, err := s.Fetch(context.Background(), base)
	require.NoError(t, err)
	assert.Len(t, page.Products, 4)
}

func TestFetch_NoProducts(t *testing.T) {
	s, base := newScraper(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><body><p>nothing here</p></body></html>`)
	}, 70)
	page, err := s.Fetch(context.Background(), base)
	require.NoError(t, err)
	assert.Empty(t, page.Products)
	assert.Equal(t, "No Title Found", page.Title)
}

func TestFetch_RateLimitSignals(t *testing.T) {
	marker, base := newScraper(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><body><h1>503 Service Unavailable</h1></body></html>`)
	}, 70)
	_, err := marker.Fetch(context.Background(), base)
	assert.ErrorIs(t, err, ErrRateLimited)

	throttled, base := newScraper(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, 70)
	_, err = throttled.Fetch(context.Background(), base)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFetch_Non200(t *testing.T) {
	s, base := newScraper(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 70)
	_, err := s.Fetch(context.Background(), base)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.False(t, errors.Is(err, ErrRateLimited))
}
