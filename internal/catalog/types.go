package catalog

import "time"

// Sensitivity classifies who may see an item.
type Sensitivity string

const (
	SensitivityPrivate    Sensitivity = "private"
	SensitivityPublic     Sensitivity = "public"
	SensitivitySecret     Sensitivity = "secret"
	SensitivityRestricted Sensitivity = "restricted"
)

// Valid reports whether s is one of the defined levels.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityPrivate, SensitivityPublic, SensitivitySecret, SensitivityRestricted:
		return true
	}
	return false
}

// Item is a semantic record derived from observed content.
// Exactly one of BlobRef and InlineText carries the payload.
type Item struct {
	ItemID               string         `json:"item_id"`
	Type                 string         `json:"type"`
	Title                string         `json:"title,omitempty"`
	SourceType           string         `json:"source_type"`
	SourceID             string         `json:"source_id"`
	ExternalRef          string         `json:"external_ref,omitempty"`
	CanonicalURI         string         `json:"canonical_uri,omitempty"`
	ContentDigest        string         `json:"content_digest,omitempty"`
	NormalizationVersion string         `json:"normalization_version"`
	ObservedAt           *time.Time     `json:"observed_at,omitempty"`
	Tags                 []string       `json:"tags"`
	Sensitivity          Sensitivity    `json:"sensitivity"`
	BlobRef              string         `json:"blob_ref,omitempty"`
	InlineText           *string        `json:"inline_text,omitempty"`
	Meta                 map[string]any `json:"meta"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// NewItem is the input to Create. Ids and timestamps are assigned by the
// catalog.
type NewItem struct {
	Type                 string
	Title                string
	SourceType           string
	SourceID             string
	ExternalRef          string
	CanonicalURI         string
	ContentDigest        string
	NormalizationVersion string
	ObservedAt           *time.Time
	Tags                 []string
	Sensitivity          Sensitivity // defaults to private
	BlobRef              string
	InlineText           *string
	Meta                 map[string]any
}

// ListFilter narrows List results.
type ListFilter struct {
	Type  string
	Limit int
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)
