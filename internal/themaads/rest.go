package themaads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/workledger/internal/ratelimit"
)

// RESTConfig configures the Google Ads REST client.
type RESTConfig struct {
	BaseURL         string
	APIVersion      string
	DeveloperToken  string
	AccessToken     string
	LoginCustomerID string
	// MaxOpsPerCall caps the operations sent in one mutate request.
	MaxOpsPerCall int
	Timeout       time.Duration
}

// RESTClient talks to the Google Ads REST interface.
type RESTClient struct {
	cfg     RESTConfig
	http    *http.Client
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

func NewRESTClient(cfg RESTConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *RESTClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v17"
	}
	if cfg.MaxOpsPerCall <= 0 {
		cfg.MaxOpsPerCall = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RESTClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		log:     logger,
	}
}

type searchRow struct {
	AdGroupAd *struct {
		ResourceName string `json:"resourceName"`
		AdGroup      string `json:"adGroup"`
		Status       string `json:"status"`
		Ad           struct {
			FinalURLs          []string `json:"finalUrls"`
			ResponsiveSearchAd struct {
				Headlines    []adText `json:"headlines"`
				Descriptions []adText `json:"descriptions"`
				Path1        string   `json:"path1"`
				Path2        string   `json:"path2"`
			} `json:"responsiveSearchAd"`
		} `json:"ad"`
	} `json:"adGroupAd,omitempty"`
	Label *struct {
		ResourceName string `json:"resourceName"`
		Name         string `json:"name"`
	} `json:"label,omitempty"`
	AdGroupLabel *struct {
		AdGroup string `json:"adGroup"`
	} `json:"adGroupLabel,omitempty"`
}

type adText struct {
	Text string `json:"text"`
}

type searchResponse struct {
	Results       []searchRow `json:"results"`
	NextPageToken string      `json:"nextPageToken"`
}

type mutateResponse struct {
	Results []struct {
		ResourceName string `json:"resourceName"`
	} `json:"results"`
}

func (c *RESTClient) ListAds(ctx context.Context, customerID string, adGroups []string) (map[string]ExistingAd, error) {
	out := map[string]ExistingAd{}
	if len(adGroups) == 0 {
		return out, nil
	}
	query := `SELECT ad_group_ad.resource_name, ad_group_ad.ad_group, ad_group_ad.status,
		ad_group_ad.ad.final_urls, ad_group_ad.ad.responsive_search_ad.headlines,
		ad_group_ad.ad.responsive_search_ad.descriptions, ad_group_ad.ad.responsive_search_ad.path1,
		ad_group_ad.ad.responsive_search_ad.path2
		FROM ad_group_ad
		WHERE ad_group_ad.ad.type = RESPONSIVE_SEARCH_AD
		AND ad_group_ad.status != REMOVED
		AND ad_group_ad.ad_group IN (` + quoteList(adGroups) + `)`
	rows, err := c.search(ctx, customerID, query)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.AdGroupAd == nil {
			continue
		}
		a := r.AdGroupAd
		if _, seen := out[a.AdGroup]; seen {
			continue
		}
		ad := ExistingAd{
			ResourceName: a.ResourceName,
			AdGroup:      a.AdGroup,
			Status:       a.Status,
			FinalURLs:    a.Ad.FinalURLs,
			Path1:        a.Ad.ResponsiveSearchAd.Path1,
			Path2:        a.Ad.ResponsiveSearchAd.Path2,
		}
		for _, h := range a.Ad.ResponsiveSearchAd.Headlines {
			ad.Headlines = append(ad.Headlines, h.Text)
		}
		for _, d := range a.Ad.ResponsiveSearchAd.Descriptions {
			ad.Descriptions = append(ad.Descriptions, d.Text)
		}
		out[a.AdGroup] = ad
	}
	return out, nil
}

func (c *RESTClient) ListLabels(ctx context.Context, customerID string) (map[string]string, error) {
	rows, err := c.search(ctx, customerID, `SELECT label.resource_name, label.name FROM label WHERE label.status = ENABLED`)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, r := range rows {
		if r.Label != nil {
			out[r.Label.Name] = r.Label.ResourceName
		}
	}
	return out, nil
}

func (c *RESTClient) ListAdGroupLabels(ctx context.Context, customerID string, adGroups []string) (map[string][]string, error) {
	out := map[string][]string{}
	if len(adGroups) == 0 {
		return out, nil
	}
	query := `SELECT ad_group_label.ad_group, label.name FROM ad_group_label
		WHERE ad_group_label.ad_group IN (` + quoteList(adGroups) + `)`
	rows, err := c.search(ctx, customerID, query)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.AdGroupLabel != nil && r.Label != nil {
			out[r.AdGroupLabel.AdGroup] = append(out[r.AdGroupLabel.AdGroup], r.Label.Name)
		}
	}
	return out, nil
}

func (c *RESTClient) CreateLabels(ctx context.Context, customerID string, names []string) (map[string]string, error) {
	ops := make([]any, len(names))
	for i, n := range names {
		ops[i] = map[string]any{"create": map[string]any{"name": n}}
	}
	res, err := c.mutate(ctx, customerID, "labels", ops)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for i, r := range res {
		if i < len(names) {
			out[names[i]] = r
		}
	}
	return out, nil
}

func (c *RESTClient) CreateAds(ctx context.Context, customerID string, ads []NewAd) ([]string, error) {
	ops := make([]any, len(ads))
	for i, a := range ads {
		headlines := make([]adText, len(a.Headlines))
		for j, h := range a.Headlines {
			headlines[j] = adText{Text: h}
		}
		descriptions := make([]adText, len(a.Descriptions))
		for j, d := range a.Descriptions {
			descriptions[j] = adText{Text: d}
		}
		ops[i] = map[string]any{"create": map[string]any{
			"adGroup": a.AdGroup,
			"status":  "ENABLED",
			"ad": map[string]any{
				"finalUrls": []string{a.FinalURL},
				"responsiveSearchAd": map[string]any{
					"headlines":    headlines,
					"descriptions": descriptions,
					"path1":        a.Path1,
					"path2":        a.Path2,
				},
			},
		}}
	}
	return c.mutate(ctx, customerID, "adGroupAds", ops)
}

func (c *RESTClient) LabelAds(ctx context.Context, customerID string, links []LabelLink) (int, error) {
	ops := make([]any, len(links))
	for i, l := range links {
		ops[i] = map[string]any{"create": map[string]any{"adGroupAd": l.Resource, "label": l.Label}}
	}
	res, err := c.mutate(ctx, customerID, "adGroupAdLabels", ops)
	return len(res), err
}

func (c *RESTClient) LabelAdGroups(ctx context.Context, customerID string, links []LabelLink) (int, error) {
	ops := make([]any, len(links))
	for i, l := range links {
		ops[i] = map[string]any{"create": map[string]any{"adGroup": l.Resource, "label": l.Label}}
	}
	res, err := c.mutate(ctx, customerID, "adGroupLabels", ops)
	return len(res), err
}

// search pages through a GAQL query.
func (c *RESTClient) search(ctx context.Context, customerID, query string) ([]searchRow, error) {
	var rows []searchRow
	token := ""
	for {
		body := map[string]any{"query": query}
		if token != "" {
			body["pageToken"] = token
		}
		var resp searchResponse
		if err := c.post(ctx, c.url(customerID, "googleAds:search"), body, &resp); err != nil {
			return nil, err
		}
		rows = append(rows, resp.Results...)
		if resp.NextPageToken == "" {
			return rows, nil
		}
		token = resp.NextPageToken
	}
}

// mutate sends ops in chunks of at most MaxOpsPerCall and returns the
// resource names in input order. On error the names created so far are
// returned with it.
func (c *RESTClient) mutate(ctx context.Context, customerID, service string, ops []any) ([]string, error) {
	var out []string
	for start := 0; start < len(ops); start += c.cfg.MaxOpsPerCall {
		end := min(start+c.cfg.MaxOpsPerCall, len(ops))
		var resp mutateResponse
		err := c.post(ctx, c.url(customerID, service+":mutate"), map[string]any{"operations": ops[start:end]}, &resp)
		if err != nil {
			return out, err
		}
		for _, r := range resp.Results {
			out = append(out, r.ResourceName)
		}
	}
	return out, nil
}

func (c *RESTClient) url(customerID, method string) string {
	return fmt.Sprintf("%s/%s/customers/%s/%s", c.cfg.BaseURL, c.cfg.APIVersion, customerID, method)
}

func (c *RESTClient) post(ctx context.Context, url string, body, into any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("developer-token", c.cfg.DeveloperToken)
	if c.cfg.LoginCustomerID != "" {
		req.Header.Set("login-customer-id", c.cfg.LoginCustomerID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("ads.http.send_error", "req_id", reqID, "url", url, "error", err)
		return fmt.Errorf("ads http: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("ads.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("ads.http.response",
		"req_id", reqID,
		"url", url,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(code int, raw []byte) *APIError {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	ae := &APIError{StatusCode: code}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		ae.Status = env.Error.Status
		ae.Message = env.Error.Message
		return ae
	}
	ae.Message = strings.TrimSpace(string(raw))
	if len(ae.Message) > 200 {
		ae.Message = ae.Message[:200]
	}
	return ae
}

func quoteList(values []string) string {
	q := make([]string, len(values))
	for i, v := range values {
		q[i] = "'" + strings.ReplaceAll(v, "'", "") + "'"
	}
	return strings.Join(q, ", ")
}
