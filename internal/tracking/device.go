package tracking

import (
	"strings"

	"github.com/courierd/courierd/internal/store"
)

// ParseDevice classifies a User-Agent string into a coarse device
// profile for event records. Unknown agents classify as desktop.
func ParseDevice(userAgent string) store.DeviceInfo {
	ua := strings.ToLower(userAgent)
	info := store.DeviceInfo{Type: "desktop", OS: "unknown", Browser: "unknown"}

	if ua == "" {
		info.Type = "unknown"
		return info
	}

	for _, bot := range []string{"bot", "crawler", "spider", "googleimageproxy", "preview", "monitoring"} {
		if strings.Contains(ua, bot) {
			info.IsBot = true
			break
		}
	}

	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		info.Type = "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		info.Type = "mobile"
	}

	switch {
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ios"):
		info.OS = "ios"
	case strings.Contains(ua, "android"):
		info.OS = "android"
	case strings.Contains(ua, "windows"):
		info.OS = "windows"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macintosh"):
		info.OS = "macos"
	case strings.Contains(ua, "linux"):
		info.OS = "linux"
	}

	switch {
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge"):
		info.Browser = "edge"
	case strings.Contains(ua, "firefox"):
		info.Browser = "firefox"
	case strings.Contains(ua, "chrome"):
		info.Browser = "chrome"
	case strings.Contains(ua, "safari"):
		info.Browser = "safari"
	case strings.Contains(ua, "outlook") || strings.Contains(ua, "msoffice"):
		info.Browser = "outlook"
	case strings.Contains(ua, "thunderbird"):
		info.Browser = "thunderbird"
	}

	return info
}
