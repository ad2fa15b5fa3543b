package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Product is one entry of a scraped listing page as shown to the model.
type Product struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// ContentRequest asks for a short buying guide for one listing page.
type ContentRequest struct {
	PageURL  string
	Title    string
	Products []Product
}

// ContentGenerator is the interface the SEO pipeline depends on.
type ContentGenerator interface {
	Generate(ctx context.Context, req ContentRequest) (string, error)
}

// StatusError is returned for a non-2xx response from the provider.
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is the provider's requested delay, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("llm status %d: %s", e.StatusCode, body)
}

// RateLimited reports whether the provider throttled the caller.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
}

// IsRateLimited reports whether err carries a throttling response.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.RateLimited()
}

// IsPermanent reports whether err carries a response that will not change on retry.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}
