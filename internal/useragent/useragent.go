// Package useragent classifies User-Agent strings sent by the marketplace
// web and mobile clients.
package useragent

import "strings"

// Info is the coarse classification stored with each event.
type Info struct {
	Device  string
	Browser string
	OS      string
}

// Parse classifies ua. Matching is case insensitive and best effort.
func Parse(ua string) Info {
	lower := strings.ToLower(ua)
	return Info{
		Device:  device(lower),
		Browser: browser(lower),
		OS:      operatingSystem(lower),
	}
}

// native app HTTP stacks
func isApp(ua string) bool {
	return strings.Contains(ua, "okhttp") || strings.Contains(ua, "cfnetwork") || strings.Contains(ua, "expo")
}

func device(ua string) string {
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || isApp(ua):
		return "mobile"
	case strings.Contains(ua, "android"):
		return "tablet"
	default:
		return "desktop"
	}
}

// browser checks Edge and Opera first; both also advertise Chrome and Safari.
func browser(ua string) string {
	switch {
	case ua == "":
		return "unknown"
	case isApp(ua):
		return "app"
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge"):
		return "edge"
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "firefox") || strings.Contains(ua, "fxios"):
		return "firefox"
	case strings.Contains(ua, "chrome") || strings.Contains(ua, "crios"):
		return "chrome"
	case strings.Contains(ua, "safari"):
		return "safari"
	default:
		return "unknown"
	}
}

// operatingSystem checks mobile platforms first; Android UAs contain "linux"
// and iOS UAs contain "mac os x".
func operatingSystem(ua string) string {
	switch {
	case strings.Contains(ua, "android") || strings.Contains(ua, "okhttp"):
		return "android"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "cfnetwork"):
		return "ios"
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macintosh"):
		return "macos"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return "unknown"
	}
}

// IsBot reports whether ua contains any fragment of denyList.
func IsBot(ua string, denyList []string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	for _, fragment := range denyList {
		fragment = strings.ToLower(strings.TrimSpace(fragment))
		if fragment != "" && strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
