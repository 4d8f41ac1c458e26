// Package clients holds outbound HTTP plumbing shared by the robot
// strategy and the task CLI.
package clients

import (
	"context"
	"io"
	"net/http"
)

// Logger is the minimal logging surface the client needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// HTTPClient wraps http.Client with context-aware request construction.
// Requests carry JSON bodies; metadata travelling in the context is
// promoted to headers.
type HTTPClient struct {
	client *http.Client
	logger Logger
}

// NewHTTPClient creates the wrapper.
func NewHTTPClient(client *http.Client, logger Logger) *HTTPClient {
	return &HTTPClient{client: client, logger: logger}
}

// DoRequest builds and executes a request. A non-nil body is sent as
// application/json; a user id in the context becomes X-User-ID.
func (c *HTTPClient) DoRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID, ok := GetUserID(ctx); ok {
		req.Header.Set("X-User-ID", userID)
		c.logger.Debug("added X-User-ID header from context", "user_id", userID)
	}
	return c.client.Do(req)
}
