package seo

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/llm"
	"github.com/joseph-ayodele/workledger/internal/scrape"
)

// Fetcher downloads one listing page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*scrape.Page, error)
}

// OutputChecker answers whether a key already has stored content.
type OutputChecker interface {
	HasOutput(ctx context.Context, key string) (bool, error)
}

// Worker turns one listing URL into a short buying guide:
// check existing output, scrape, generate, validate links.
type Worker struct {
	fetcher   Fetcher
	generator llm.ContentGenerator
	outputs   OutputChecker
	log       *slog.Logger
}

func NewWorker(fetcher Fetcher, generator llm.ContentGenerator, outputs OutputChecker, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{fetcher: fetcher, generator: generator, outputs: outputs, log: logger}
}

// Process never writes; the returned result carries the standard effects.
func (w *Worker) Process(ctx context.Context, key string) core.Result {
	return core.WithStandardEffects(w.process(ctx, key))
}

func (w *Worker) process(ctx context.Context, key string) core.Result {
	has, err := w.outputs.HasOutput(ctx, key)
	if err != nil {
		return core.Retry(key, constants.WithDetail("output_lookup_failed", err.Error()))
	}
	if has {
		r := core.Skipped(key, constants.ReasonAlreadyProcessed)
		r.Existing = true
		return r
	}

	page, err := w.fetcher.Fetch(ctx, key)
	switch {
	case errors.Is(err, scrape.ErrRateLimited):
		return core.Throttled(key, constants.ReasonRateLimited)
	case err != nil:
		return core.Retry(key, constants.WithDetail(constants.ReasonScrapeFailed, err.Error()))
	}
	if len(page.Products) == 0 {
		return core.Skipped(key, constants.ReasonNoProducts)
	}

	content, err := w.generator.Generate(ctx, llm.ContentRequest{
		PageURL:  page.URL,
		Title:    page.Title,
		Products: page.Products,
	})
	switch {
	case llm.IsRateLimited(err):
		return core.Throttled(key, constants.ReasonRateLimited)
	case llm.IsPermanent(err):
		return core.Failed(key, constants.WithDetail(constants.ReasonGenerationError, err.Error()))
	case err != nil:
		return core.Retry(key, constants.WithDetail(constants.ReasonGenerationError, err.Error()))
	}

	content = llm.CleanContent(content)
	if !llm.HasProductLink(content) {
		w.log.Warn("seo.content.no_links", "url", key, "products", len(page.Products))
		return core.Retry(key, constants.ReasonNoValidLinks)
	}
	w.log.Debug("seo.content.ok", "url", key, "chars", len(content))
	return core.Succeeded(key, content)
}
