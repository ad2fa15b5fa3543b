package constants

import "strings"

// Reason codes stored in tracking_records.reason and job_items.error_message.
const (
	ReasonAlreadyProcessed = "already processed"
	ReasonNoProducts       = "no_products_found"
	ReasonNoValidLinks     = "no_valid_links"
	ReasonScrapeFailed     = "scraping_failed"
	ReasonRateLimited      = "rate_limited"
	ReasonGenerationError  = "ai_generation_error"
	ReasonOutputWrite      = "output_write_failed"
	ReasonNoExistingAd     = "no_existing_ad"
	ReasonNoFinalURL       = "no_final_url"
	ReasonInvalidKey       = "invalid_key"
	ReasonAdsAPIError      = "ads_api_error"
	ReasonLabelsIncomplete = "labels_incomplete"
	ReasonPanic            = "worker_panic"
	ReasonTimeout          = "timeout"
	ReasonImported         = "imported"
	ReasonSynced           = "synced_from_output"
)

var reasonText = map[string]string{
	ReasonAlreadyProcessed: "Item was already processed in an earlier run",
	ReasonNoProducts:       "Page has no products to write about",
	ReasonNoValidLinks:     "Generated text contained no product links",
	ReasonScrapeFailed:     "Page could not be fetched",
	ReasonRateLimited:      "Remote service throttled the request",
	ReasonGenerationError:  "Language model call failed",
	ReasonOutputWrite:      "Output could not be stored",
	ReasonNoExistingAd:     "Ad group has no existing ad to duplicate",
	ReasonNoFinalURL:       "Existing ad has no final URL",
	ReasonInvalidKey:       "Item key is not customer:ad_group",
	ReasonAdsAPIError:      "Ads API call failed",
	ReasonLabelsIncomplete: "Ad created but not every label was applied",
	ReasonPanic:            "Worker crashed while processing the item",
	ReasonTimeout:          "Processing timed out",
	ReasonImported:         "Imported from file",
	ReasonSynced:           "Marked done from existing output",
}

// DescribeReason turns a stored reason into text for exports.
// Reasons are stored as "<code>" or "<code>: <detail>".
func DescribeReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ""
	}
	code, detail, _ := strings.Cut(reason, ": ")
	text, ok := reasonText[code]
	if !ok {
		return reason
	}
	if detail != "" {
		return text + " (" + detail + ")"
	}
	return text
}

// WithDetail joins a reason code and a detail message.
func WithDetail(code, detail string) string {
	if detail == "" {
		return code
	}
	return code + ": " + detail
}
