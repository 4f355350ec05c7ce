package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/radiusdt/vector-pulse/internal/models"
)

const (
	uaIPhone        = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1"
	uaIPad          = "Mozilla/5.0 (iPad; CPU OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1"
	uaAndroidPhone  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	uaAndroidTablet = "Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaWindowsChrome = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaWindowsEdge   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91"
	uaLegacyEdge    = "Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/70.0.3538.102 Safari/537.36 Edge/18.19582"
	uaMacFirefox    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14.1; rv:121.0) Gecko/20100101 Firefox/121.0"
	uaMacSafari     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15"
	uaPrestoOpera   = "Opera/9.80 (Windows NT 6.1; WOW64) Presto/2.12.388 Version/12.18"
	uaKindle        = "Mozilla/5.0 (Linux; U; en-US) AppleWebKit/528.5+ (KHTML, like Gecko, Safari/528.5+) Version/4.0 Kindle/3.0"
	uaCurl          = "curl/8.4.0"
)

func TestClassifyDevice(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		{"iphone", uaIPhone, models.DeviceMobile},
		{"ipad", uaIPad, models.DeviceTablet},
		{"bare ipad token", "iPad", models.DeviceTablet},
		{"bare iphone token", "iPhone", models.DeviceMobile},
		{"android phone", uaAndroidPhone, models.DeviceMobile},
		{"android tablet", uaAndroidTablet, models.DeviceTablet},
		{"kindle", uaKindle, models.DeviceTablet},
		{"windows", uaWindowsChrome, models.DeviceDesktop},
		{"mac", uaMacSafari, models.DeviceDesktop},
		{"cli", uaCurl, models.DeviceDesktop},
		{"empty", "", models.DeviceUnknown},
		{"blank", "   ", models.DeviceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyDevice(tt.ua))
		})
	}
}

func TestClassifyBrowser(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		{"firefox", uaMacFirefox, BrowserFirefox},
		{"chrome", uaWindowsChrome, BrowserChrome},
		{"chrome android", uaAndroidPhone, BrowserChrome},
		{"edge chromium", uaWindowsEdge, BrowserEdge},
		{"edge legacy", uaLegacyEdge, BrowserEdge},
		{"chrome and edge tokens", "Chrome/1.0 Edge/1.0", BrowserEdge},
		{"safari mac", uaMacSafari, BrowserSafari},
		{"safari iphone", uaIPhone, BrowserSafari},
		{"opera presto", uaPrestoOpera, BrowserOpera},
		{"curl", uaCurl, BrowserOther},
		{"empty", "", BrowserUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyBrowser(tt.ua))
		})
	}
}
