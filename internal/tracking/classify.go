package tracking

import (
	"regexp"
	"strings"

	"github.com/radiusdt/vector-pulse/internal/models"
)

// Browser labels produced by ClassifyBrowser.
const (
	BrowserFirefox = "Firefox"
	BrowserEdge    = "Edge"
	BrowserChrome  = "Chrome"
	BrowserSafari  = "Safari"
	BrowserOpera   = "Opera"
	BrowserOther   = "Other"
	BrowserUnknown = "Unknown"
)

type rule struct {
	label string
	match func(ua string) bool
}

var (
	mobilePattern = regexp.MustCompile(`(?i)Mobi|Android.*Mobile|iPhone|iPod|BlackBerry|IEMobile|Opera Mini`)
	// Android phones are claimed by the mobile rule first, so a bare Android
	// token here means a tablet.
	tabletPattern = regexp.MustCompile(`(?i)iPad|Tablet|Android|Kindle|Silk|PlayBook`)
	ipadPattern   = regexp.MustCompile(`(?i)iPad`)
)

// deviceRules are evaluated in order, first match wins. iPadOS Safari carries
// a "Mobile/" build token, so iPads are kept out of the mobile rule.
var deviceRules = []rule{
	{models.DeviceMobile, func(ua string) bool {
		return mobilePattern.MatchString(ua) && !ipadPattern.MatchString(ua)
	}},
	{models.DeviceTablet, tabletPattern.MatchString},
}

var edgeMarkers = []string{"Edg/", "Edge/", "EdgA/", "EdgiOS/"}

func isEdge(ua string) bool {
	return containsAny(ua, edgeMarkers...)
}

func isChrome(ua string) bool {
	return containsAny(ua, "Chrome", "CriOS")
}

// browserRules are evaluated in order, first match wins.
var browserRules = []rule{
	{BrowserFirefox, func(ua string) bool { return containsAny(ua, "Firefox", "FxiOS") }},
	{BrowserEdge, isEdge},
	{BrowserChrome, func(ua string) bool { return isChrome(ua) && !isEdge(ua) }},
	{BrowserSafari, func(ua string) bool { return strings.Contains(ua, "Safari") && !isChrome(ua) }},
	{BrowserOpera, func(ua string) bool { return containsAny(ua, "OPR/", "Opera") }},
}

// ClassifyDevice maps a raw user agent to desktop, mobile, tablet or unknown.
func ClassifyDevice(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return models.DeviceUnknown
	}
	return firstMatch(deviceRules, ua, models.DeviceDesktop)
}

// ClassifyBrowser maps a raw user agent to a browser family.
func ClassifyBrowser(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return BrowserUnknown
	}
	return firstMatch(browserRules, ua, BrowserOther)
}

func firstMatch(rules []rule, ua, fallback string) string {
	for _, r := range rules {
		if r.match(ua) {
			return r.label
		}
	}
	return fallback
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
