package entity

import "time"

// BrokenLink is one hyperlink that did not resolve.
type BrokenLink struct {
	URL        string `json:"url"`
	FullURL    string `json:"full_url"`
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
}

// LinkReport is the validation result for the links inside one output.
type LinkReport struct {
	Key         string       `json:"content_url"`
	TotalLinks  int          `json:"total_links"`
	ValidLinks  int          `json:"valid_links"`
	BrokenLinks []BrokenLink `json:"broken_links"`
	ValidatedAt time.Time    `json:"validated_at"`
}

func (r LinkReport) HasBrokenLinks() bool {
	return len(r.BrokenLinks) > 0
}
