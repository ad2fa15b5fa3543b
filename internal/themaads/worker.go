package themaads

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/core"
)

// KindPrefix prefixes the job kind of every theme.
const KindPrefix = "thema_ads:"

// Kind is the job kind that runs the worker for theme.
func Kind(theme constants.Theme) string { return KindPrefix + string(theme) }

// Worker duplicates the existing ad of each ad group into a themed copy.
// Keys are "customer:ad_group" and are grouped per customer so that ads and
// labels are fetched once per customer and mutations go out in batches.
// Results carry no effects; the job controller attaches job item updates.
type Worker struct {
	api   AdsAPI
	theme constants.Theme
	log   *slog.Logger
}

func NewWorker(api AdsAPI, theme constants.Theme, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{api: api, theme: theme, log: logger.With("theme", string(theme))}
}

// Group returns the customer id of key.
func (w *Worker) Group(key string) string {
	customerID, _, err := ParseKey(key)
	if err != nil {
		return key
	}
	return customerID
}

func (w *Worker) Process(ctx context.Context, key string) core.Result {
	return w.ProcessGroup(ctx, w.Group(key), []string{key})[0]
}

// customerBatch tracks the undecided ad groups of one ProcessGroup call.
type customerBatch struct {
	customerID string
	keys       []string
	adGroups   []string
	results    []core.Result
	decided    []bool
}

func (b *customerBatch) decide(i int, r core.Result) {
	b.results[i] = r
	b.decided[i] = true
}

// open returns the positions still without a result.
func (b *customerBatch) open() []int {
	var out []int
	for i, d := range b.decided {
		if !d {
			out = append(out, i)
		}
	}
	return out
}

// failOpen settles every open position from err.
func (b *customerBatch) failOpen(err error) {
	for _, i := range b.open() {
		b.decide(i, apiFailure(b.keys[i], err))
	}
}

func apiFailure(key string, err error) core.Result {
	if IsRateLimited(err) {
		return core.Throttled(key, constants.ReasonRateLimited)
	}
	return core.Retry(key, constants.WithDetail(constants.ReasonAdsAPIError, err.Error()))
}

func (w *Worker) ProcessGroup(ctx context.Context, customerID string, keys []string) []core.Result {
	start := time.Now()
	b := &customerBatch{
		customerID: customerID,
		keys:       keys,
		adGroups:   make([]string, len(keys)),
		results:    make([]core.Result, len(keys)),
		decided:    make([]bool, len(keys)),
	}
	for i, k := range keys {
		cid, agid, err := ParseKey(k)
		if err != nil || cid != customerID {
			b.decide(i, core.Failed(k, constants.ReasonInvalidKey))
			continue
		}
		b.adGroups[i] = AdGroupPath(cid, agid)
	}
	log := w.log.With("customer_id", customerID)
	log.Info("ads.customer.start", "ad_groups", len(keys))

	if err := w.run(ctx, b, log); err != nil {
		log.Warn("ads.customer.api_error", "error", err, "rate_limited", IsRateLimited(err))
		b.failOpen(err)
	}

	var created, skipped int
	for _, r := range b.results {
		switch r.Outcome {
		case core.Success:
			created++
		case core.PermanentEmpty:
			skipped++
		}
	}
	log.Info("ads.customer.done",
		"ad_groups", len(keys),
		"created", created,
		"skipped", skipped,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return b.results
}

func (w *Worker) run(ctx context.Context, b *customerBatch, log *slog.Logger) error {
	targets := b.targets()
	if len(targets) == 0 {
		return nil
	}

	groupLabels, err := w.api.ListAdGroupLabels(ctx, b.customerID, targets)
	if err != nil {
		return err
	}
	done := w.theme.DoneLabel()
	for _, i := range b.open() {
		if slices.Contains(groupLabels[b.adGroups[i]], done) {
			b.decide(i, core.Skipped(b.keys[i], constants.ReasonAlreadyProcessed))
		}
	}

	targets = b.targets()
	if len(targets) == 0 {
		return nil
	}
	ads, err := w.api.ListAds(ctx, b.customerID, targets)
	if err != nil {
		return err
	}
	var (
		positions []int
		newAds    []NewAd
		originals []string
	)
	for _, i := range b.open() {
		existing, ok := ads[b.adGroups[i]]
		switch {
		case !ok:
			b.decide(i, core.Skipped(b.keys[i], constants.ReasonNoExistingAd))
		case len(existing.FinalURLs) == 0 || existing.FinalURLs[0] == "":
			b.decide(i, core.Skipped(b.keys[i], constants.ReasonNoFinalURL))
		default:
			positions = append(positions, i)
			newAds = append(newAds, BuildAd(w.theme, existing))
			originals = append(originals, existing.ResourceName)
		}
	}
	if len(newAds) == 0 {
		return nil
	}

	labels, err := w.ensureLabels(ctx, b.customerID)
	if err != nil {
		return err
	}

	resources, createErr := w.api.CreateAds(ctx, b.customerID, newAds)
	if len(resources) > len(newAds) {
		resources = resources[:len(newAds)]
	}
	log.Info("ads.create.ok", "requested", len(newAds), "created", len(resources))

	labelErr := w.applyLabels(ctx, b, labels, positions[:len(resources)], originals[:len(resources)], resources)
	for n, i := range positions {
		if n >= len(resources) {
			break
		}
		r := core.Succeeded(b.keys[i], resources[n])
		r.Resource = resources[n]
		if labelErr != nil {
			r.Reason = constants.WithDetail(constants.ReasonLabelsIncomplete, labelErr.Error())
		}
		b.decide(i, r)
	}
	if createErr != nil {
		return createErr
	}
	for _, i := range b.open() {
		b.decide(i, core.Retry(b.keys[i], constants.WithDetail(constants.ReasonAdsAPIError, "no ad returned")))
	}
	return nil
}

// targets lists the ad group resources of open positions.
func (b *customerBatch) targets() []string {
	var out []string
	for _, i := range b.open() {
		out = append(out, b.adGroups[i])
	}
	return out
}

// ensureLabels returns label name to resource for every label the run
// applies, creating the missing ones.
func (w *Worker) ensureLabels(ctx context.Context, customerID string) (map[string]string, error) {
	names := []string{w.theme.Label(), constants.LabelThemaAd, constants.LabelThemaOriginal, w.theme.DoneLabel()}
	have, err := w.api.ListLabels(ctx, customerID)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, n := range names {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) == 0 {
		return have, nil
	}
	created, err := w.api.CreateLabels(ctx, customerID, missing)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(have)+len(created))
	for k, v := range have {
		out[k] = v
	}
	for k, v := range created {
		out[k] = v
	}
	w.log.Info("ads.labels.created", "customer_id", customerID, "labels", missing)
	return out, nil
}

// applyLabels marks originals, new ads and their ad groups. Every call is
// attempted; the errors are joined.
func (w *Worker) applyLabels(ctx context.Context, b *customerBatch, labels map[string]string, positions []int, originals, resources []string) error {
	if len(resources) == 0 {
		return nil
	}
	var adLinks, groupLinks []LabelLink
	for n, res := range resources {
		if originals[n] != "" {
			adLinks = append(adLinks, LabelLink{Resource: originals[n], Label: labels[constants.LabelThemaOriginal]})
		}
		adLinks = append(adLinks,
			LabelLink{Resource: res, Label: labels[w.theme.Label()]},
			LabelLink{Resource: res, Label: labels[constants.LabelThemaAd]},
		)
		groupLinks = append(groupLinks, LabelLink{Resource: b.adGroups[positions[n]], Label: labels[w.theme.DoneLabel()]})
	}
	_, adErr := w.api.LabelAds(ctx, b.customerID, adLinks)
	_, groupErr := w.api.LabelAdGroups(ctx, b.customerID, groupLinks)
	return errors.Join(adErr, groupErr)
}
