package mailing

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var linkRe = regexp.MustCompile(`href="(https?://[^"]+)"`)

// LinkBuilder produces the per-recipient tracking references embedded in a
// campaign message.
type LinkBuilder struct {
	baseURL        string
	unsubscribeURL string
}

// NewLinkBuilder creates a builder. baseURL is the public address of the
// tracking endpoints; unsubscribeURL defaults to baseURL + "/unsubscribe".
func NewLinkBuilder(baseURL, unsubscribeURL string) *LinkBuilder {
	baseURL = strings.TrimRight(baseURL, "/")
	if unsubscribeURL == "" {
		unsubscribeURL = baseURL + "/unsubscribe"
	}
	return &LinkBuilder{baseURL: baseURL, unsubscribeURL: unsubscribeURL}
}

// PixelURL is the open-tracking image address.
func (b *LinkBuilder) PixelURL(campaignID, subscriberID string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", b.baseURL, url.PathEscape(campaignID), url.PathEscape(subscriberID))
}

// ClickURL wraps target in the click-redirect endpoint.
func (b *LinkBuilder) ClickURL(target, campaignID, subscriberID string) string {
	q := url.Values{}
	q.Set("url", target)
	q.Set("cid", campaignID)
	q.Set("sid", subscriberID)
	return b.baseURL + "/track/click?" + q.Encode()
}

// UnsubscribeURL adds the campaign and subscriber references to the
// unsubscribe page address.
func (b *LinkBuilder) UnsubscribeURL(campaignID, subscriberID string) string {
	u, err := url.Parse(b.unsubscribeURL)
	if err != nil {
		return b.unsubscribeURL
	}
	q := u.Query()
	q.Set("cid", campaignID)
	q.Set("sid", subscriberID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Personalize injects the open pixel, routes outbound links through the
// click endpoint and points every unsubscribe link at this recipient. A
// footer link is added when the body has none.
func (b *LinkBuilder) Personalize(html, campaignID, subscriberID string) string {
	unsubscribe := b.UnsubscribeURL(campaignID, subscriberID)
	hasUnsubscribe := false

	html = linkRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		target := htmlUnescapeAmp(parts[1])
		if strings.HasPrefix(target, b.unsubscribeURL) {
			hasUnsubscribe = true
			return fmt.Sprintf(`href="%s"`, unsubscribe)
		}
		if strings.Contains(target, "/track/") {
			return match
		}
		return fmt.Sprintf(`href="%s"`, b.ClickURL(target, campaignID, subscriberID))
	})

	tail := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`,
		b.PixelURL(campaignID, subscriberID))
	if !hasUnsubscribe {
		tail = fmt.Sprintf(`<p style="font-size:12px;color:#888"><a href="%s">Unsubscribe</a></p>`, unsubscribe) + tail
	}

	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + tail + html[idx:]
	}
	return html + tail
}

// htmlUnescapeAmp undoes the &amp; escaping of query separators in markup.
func htmlUnescapeAmp(s string) string {
	return strings.ReplaceAll(s, "&amp;", "&")
}
