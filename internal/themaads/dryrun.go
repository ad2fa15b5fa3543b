package themaads

import (
	"context"
	"fmt"
	"log/slog"
)

// DryRun passes reads through to the wrapped API and only logs writes.
// Created resources get placeholder names.
type DryRun struct {
	AdsAPI
	log *slog.Logger
}

func NewDryRun(api AdsAPI, logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{AdsAPI: api, log: logger}
}

func (d *DryRun) CreateLabels(_ context.Context, customerID string, names []string) (map[string]string, error) {
	d.log.Info("ads.dry_run.create_labels", "customer_id", customerID, "labels", names)
	out := make(map[string]string, len(names))
	for _, n := range names {
		out[n] = fmt.Sprintf("customers/%s/labels/dry-run-%s", customerID, n)
	}
	return out, nil
}

func (d *DryRun) CreateAds(_ context.Context, customerID string, ads []NewAd) ([]string, error) {
	d.log.Info("ads.dry_run.create_ads", "customer_id", customerID, "ads", len(ads))
	out := make([]string, len(ads))
	for i, a := range ads {
		out[i] = a.AdGroup + "/dry-run"
	}
	return out, nil
}

func (d *DryRun) LabelAds(_ context.Context, customerID string, links []LabelLink) (int, error) {
	d.log.Info("ads.dry_run.label_ads", "customer_id", customerID, "links", len(links))
	return len(links), nil
}

func (d *DryRun) LabelAdGroups(_ context.Context, customerID string, links []LabelLink) (int, error) {
	d.log.Info("ads.dry_run.label_ad_groups", "customer_id", customerID, "links", len(links))
	return len(links), nil
}
