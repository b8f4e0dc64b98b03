// Package observability builds the slog loggers used across segswarm and
// the helpers that tag them with swarm, peer and stream context.
package observability

import (
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/segswarm/internal/config"
)

// redactedFields are attribute names whose values never reach the output.
var redactedFields = []string{"token", "password", "secret", "auth", "authorization", "dsn"}

// urlFields are attribute names holding URLs whose credentials are masked.
var urlFields = map[string]bool{"url": true, "endpoint": true, "manifest_url": true, "advertise_addr": true}

// sensitiveParams are query parameters masked in logged URLs. Signed CDN
// and tracker URLs carry their credentials this way.
var sensitiveParams = []string{
	"password", "passwd", "pass", "pwd",
	"token", "api_key", "apikey", "key",
	"secret", "auth", "authorization",
	"credential", "credentials", "signature", "sig",
}

// NewLoggerWithWriter creates a logger writing cfg.Format records to w.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := make([]masq.Option, 0, len(redactedFields))
	for _, name := range redactedFields {
		opts = append(opts, masq.WithFieldName(name))
	}
	redact := masq.New(opts...)

	handlerOpts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch {
			case a.Key == slog.TimeKey && len(groups) == 0 && cfg.TimeFormat != "":
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			case urlFields[a.Key] && a.Value.Kind() == slog.KindString:
				return slog.String(a.Key, SanitizeURL(a.Value.String()))
			}
			return redact(groups, a)
		},
	}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// ParseLevel converts a configured level name. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// SanitizeURL masks credentials in a URL string: userinfo passwords and
// the values of sensitive query parameters. Unparseable input is returned
// unchanged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	if u.RawQuery != "" {
		query := u.Query()
		masked := false
		for _, param := range sensitiveParams {
			if query.Has(param) {
				query.Set(param, "***")
				masked = true
			}
		}
		if masked {
			u.RawQuery = query.Encode()
		}
	}
	return u.String()
}

// Or returns logger, or slog.Default() when logger is nil.
func Or(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// WithComponent tags the logger with the emitting component.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return Or(logger).With(slog.String("component", component))
}

// WithSwarm tags the logger with a swarm's info hash.
func WithSwarm(logger *slog.Logger, infoHash string) *slog.Logger {
	return Or(logger).With(slog.String("swarm", infoHash))
}

// WithPeer tags the logger with a remote peer id.
func WithPeer(logger *slog.Logger, peerID string) *slog.Logger {
	return Or(logger).With(slog.String("peer_id", peerID))
}

// WithStream tags the logger with a stream id.
func WithStream(logger *slog.Logger, streamID string) *slog.Logger {
	return Or(logger).With(slog.String("stream_id", streamID))
}

// SetDefault installs logger as the process default.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
