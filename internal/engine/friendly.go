package engine

import "strings"

// Unknown is shown when the originating host is missing.
const Unknown = "Unknown"

var friendlyNames = []struct {
	host string
	name string
}{
	{"google.com", "Google"},
	{"www.google.com", "Google"},
	{"bing.com", "Bing"},
	{"www.bing.com", "Bing"},
	{"duckduckgo.com", "DuckDuckGo"},
	{"search.yahoo.co.jp", "Yahoo! JAPAN"},
}

// FriendlyName formats host for display: the first table entry contained in host
// wins, an empty or "unknown" host is Unknown, anything else is returned as is.
func FriendlyName(host string) string {
	if host == "" || host == "unknown" {
		return Unknown
	}
	for _, e := range friendlyNames {
		if strings.Contains(host, e.host) {
			return e.name
		}
	}
	return host
}
