package transport

import (
	"log/slog"
	"net/url"
	"strings"
)

// connLogger tags transport logs with the dialed URL and the route it serves.
func connLogger(target string) *slog.Logger {
	logger := slog.With("component", "transport", "url", target)
	if u, err := url.Parse(target); err == nil {
		if route := strings.Trim(u.Path, "/"); route != "" {
			logger = logger.With("channel", route)
		}
	}

	return logger
}
