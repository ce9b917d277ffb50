package nodeagent

import (
	"log/slog"
	"net/http"
	"time"
)

// authTransport adds an Authorization: Bearer header to every request.
type authTransport struct {
	token string
	next  http.RoundTripper
}

// WithAuth wraps a RoundTripper with bearer-token authorization. An empty
// token leaves requests untouched.
func WithAuth(token string, next http.RoundTripper) http.RoundTripper {
	if token == "" {
		return next
	}
	return &authTransport{token: token, next: next}
}

func (a *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+a.token)
	return a.next.RoundTrip(req)
}

// loggingTransport logs request method/URL and response status.
type loggingTransport struct {
	logger *slog.Logger
	next   http.RoundTripper
}

// WithLogging wraps a RoundTripper with request/response logging.
func WithLogging(logger *slog.Logger, next http.RoundTripper) http.RoundTripper {
	return &loggingTransport{logger: logger, next: next}
}

func (l *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		l.logger.Error("executor request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return resp, err
	}

	l.logger.Debug("executor request completed",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}
