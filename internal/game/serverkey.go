package game

import (
	"net/url"
	"strings"
)

// UnknownServerKey is used when a server key cannot be derived, e.g. when
// migrating legacy single-server records with no recorded origin.
const UnknownServerKey = "unknown_server"

// ServerKeyFromURL derives the partition key for per-server state from a
// page URL: the lowercase origin hostname. Returns UnknownServerKey when
// the URL has no usable host.
func ServerKeyFromURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return UnknownServerKey
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return UnknownServerKey
	}
	return host
}
