package themaads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ExistingAd is the responsive search ad a themed copy is built from.
type ExistingAd struct {
	ResourceName string
	AdGroup      string
	Status       string
	Headlines    []string
	Descriptions []string
	FinalURLs    []string
	Path1        string
	Path2        string
}

// NewAd is a responsive search ad to create.
type NewAd struct {
	AdGroup      string
	FinalURL     string
	Headlines    []string
	Descriptions []string
	Path1        string
	Path2        string
}

// LabelLink attaches Label to the ad or ad group named by Resource.
type LabelLink struct {
	Resource string
	Label    string
}

// AdsAPI is the slice of the Google Ads API the worker depends on. All
// resource names are full paths ("customers/1/adGroups/2").
type AdsAPI interface {
	// ListAds returns the first live responsive search ad per ad group.
	ListAds(ctx context.Context, customerID string, adGroups []string) (map[string]ExistingAd, error)
	// ListLabels maps label name to label resource for the customer.
	ListLabels(ctx context.Context, customerID string) (map[string]string, error)
	// ListAdGroupLabels maps ad group resource to the names of its labels.
	ListAdGroupLabels(ctx context.Context, customerID string, adGroups []string) (map[string][]string, error)
	// CreateLabels creates the named labels and maps name to resource.
	CreateLabels(ctx context.Context, customerID string, names []string) (map[string]string, error)
	// CreateAds returns the new ad resources in input order.
	CreateAds(ctx context.Context, customerID string, ads []NewAd) ([]string, error)
	LabelAds(ctx context.Context, customerID string, links []LabelLink) (int, error)
	LabelAdGroups(ctx context.Context, customerID string, links []LabelLink) (int, error)
}

// APIError is a non-2xx answer from the ads API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("ads api %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("ads api %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports a quota or throttling rejection.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Status == "RESOURCE_EXHAUSTED"
}

// IsRateLimited reports whether err carries a throttling answer.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.RateLimited()
}

// AdGroupPath builds the ad group resource name.
func AdGroupPath(customerID, adGroupID string) string {
	return "customers/" + customerID + "/adGroups/" + adGroupID
}

// ParseKey splits a "customer:ad_group" item key.
func ParseKey(key string) (customerID, adGroupID string, err error) {
	customerID, adGroupID, ok := strings.Cut(key, ":")
	customerID = strings.TrimSpace(customerID)
	adGroupID = strings.TrimSpace(adGroupID)
	if !ok || customerID == "" || adGroupID == "" {
		return "", "", fmt.Errorf("item key %q is not customer:ad_group", key)
	}
	return customerID, adGroupID, nil
}
