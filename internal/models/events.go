package models

import (
	"time"
)

// ===========================================
// PAGE VIEW EVENT
// ===========================================

// Device classes produced by user-agent classification.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceUnknown = "unknown"
)

// Country labels that are not ISO codes.
const (
	CountryLocal   = "Local"
	CountryUnknown = "Unknown"
)

// PageView is one recorded visit. Everything except TimeSpentSeconds is fixed
// once the event is appended.
type PageView struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`

	// Page info
	PageLabel string `json:"pageLabel"`
	Path      string `json:"path"`
	Referrer  string `json:"referrer,omitempty"`

	// Visitor info
	SubjectKey   string `json:"subjectKey"`
	SourceIP     string `json:"sourceIp"`
	UserAgentRaw string `json:"userAgent"`

	// Enrichment
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
	Device  string `json:"device"`
	Browser string `json:"browser"`

	TimeSpentSeconds int64 `json:"timeSpent"`
}

// PageViewInput carries the client and request-derived fields of a page view.
type PageViewInput struct {
	PageLabel  string
	Path       string
	SubjectKey string
	Referrer   string

	UserAgent string
	SourceIP  string

	// Upstream geo headers (CDN / proxy), used verbatim when present
	GeoCountry string
	GeoCity    string
}

// ===========================================
// ENGAGEMENT EVENTS
// ===========================================

// EngagementKind distinguishes email opens from link clicks.
type EngagementKind string

const (
	EngagementOpen  EngagementKind = "open"
	EngagementClick EngagementKind = "click"
)

// EngagementResult reports what a single engagement did to the campaign.
type EngagementResult struct {
	Found  bool
	Unique bool
	Stats  CampaignStats
}
