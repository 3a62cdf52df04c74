package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"
)

// NewCheckOrigin returns a CheckOrigin function for the stream upgrader.
// It allows empty origins (non-browser clients), the app's own origin (derived
// from appURL) and any origin listed in extra. When isDevelopment is true,
// localhost origins are additionally allowed.
func NewCheckOrigin(appURL string, extra []string, isDevelopment bool) func(r *http.Request) bool {
	allowed := make([]string, 0, len(extra)+1)
	if o := extractOrigin(appURL); o != "" {
		allowed = append(allowed, o)
	}
	for _, raw := range extra {
		if o := extractOrigin(raw); o != "" {
			allowed = append(allowed, o)
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if slices.Contains(allowed, origin) {
			return true
		}
		if isDevelopment && isLocalhostOrigin(origin) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

// NewUpgrader returns the upgrader used for stream subscriptions.
func NewUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
