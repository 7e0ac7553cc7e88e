// Package notify dispatches device-triggered notifications to an
// external posting service, off the connection-processing path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Gateway posts a short text on behalf of a user credential. Calls
// may be slow or fail; callers must not invoke it from a connection's
// read loop.
type Gateway interface {
	Post(ctx context.Context, credential, text string) error
}

// HTTPGateway talks to a third-party posting API over HTTP.
type HTTPGateway struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPGateway(logger *slog.Logger, url string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(slog.String("component", "notify_gateway")),
	}
}

type postRequest struct {
	Credential string `json:"credential"`
	Text       string `json:"text"`
}

func (g *HTTPGateway) Post(ctx context.Context, credential, text string) error {
	payload, err := json.Marshal(postRequest{Credential: credential, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if reason := gjson.GetBytes(body, "error.message"); reason.Exists() {
		return fmt.Errorf("notify: gateway refused post: %s", reason.String())
	}
	return fmt.Errorf("notify: gateway returned %s", resp.Status)
}

// Async runs the post on its own goroutine and hands the result to
// done. If the originating connection is gone by then, done simply
// drops the result; the call is never aborted mid-flight.
func Async(g Gateway, logger *slog.Logger, credential, text string, timeout time.Duration, done func(error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := g.Post(ctx, credential, text)
		if err != nil {
			logger.Warn("external notification failed", slog.Any("error", err))
		}
		if done != nil {
			done(err)
		}
	}()
}

// LogGateway is used when no gateway URL is configured: it records
// the would-be post and succeeds.
type LogGateway struct {
	Logger *slog.Logger
}

func (g *LogGateway) Post(_ context.Context, _, text string) error {
	g.Logger.Info("notification (no gateway configured)", slog.String("text", text))
	return nil
}
