package hue

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	appKeyHeader = "hue-application-key"

	// The bridge serializes its own request handling and answers 429/503
	// when pushed too hard; those two get up to maxRetries further
	// attempts, nothing else is retried.
	maxRetries = 3
	retryStep  = 250 * time.Millisecond
)

// LevelTrace sits below debug; per-request logging lives here so that
// debug output stays readable during normal operation.
const LevelTrace = slog.LevelDebug - 4

type Config struct {
	// Addr is the bridge host or host:port, without scheme.
	Addr string
	// AppKey is the application key issued during pairing. Empty until
	// the bridge has been paired.
	AppKey string
}

// Client is an authenticated CLIP v2 REST client for a single bridge.
// Construct a fresh one whenever credentials change.
type Client struct {
	Config

	log        *slog.Logger
	httpClient *http.Client

	// retryStep is the linear backoff increment between retried
	// attempts. Overridden in tests.
	retryStep time.Duration
}

func NewClient(log *slog.Logger, config Config) *Client {
	// The bridge serves a certificate signed by its own root CA; skip
	// verification like every other client of this API.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	httpClient := &http.Client{Transport: transport, Timeout: 10 * time.Second}

	return &Client{
		Config:     config,
		log:        log,
		httpClient: httpClient,
		retryStep:  retryStep,
	}
}

func (c *Client) absURL(endpoint string) string {
	return fmt.Sprintf("https://%s%s", c.Addr, endpoint)
}

// envelope is the CLIP v2 response wrapper. The bridge may report
// application errors in it even on HTTP 2xx.
type envelope struct {
	Errors []APIError      `json:"errors"`
	Data   json.RawMessage `json:"data"`
}

// Request performs one authenticated bridge request and returns the
// decoded data payload. 429 and 503 responses are retried up to
// maxAttempts with linearly increasing delay; every other failure maps
// straight onto the error taxonomy.
func (c *Client) Request(ctx context.Context, method, path string, body any, authRequired bool) (json.RawMessage, error) {
	if authRequired && c.AppKey == "" {
		return nil, &Error{Kind: Unauthorized, Message: "no application key set"}
	}

	var bodyJSON []byte
	if body != nil {
		var err error
		if bodyJSON, err = json.Marshal(body); err != nil {
			return nil, &Error{Kind: BadRequest, Message: err.Error()}
		}
	}

	for attempt := 1; ; attempt++ {
		c.log.Log(ctx, LevelTrace, "bridge request",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
		)

		data, retry, err := c.once(ctx, method, path, bodyJSON, authRequired)
		if err == nil {
			return data, nil
		}
		if !retry {
			return nil, err
		}
		if attempt > maxRetries {
			return nil, &Error{
				Kind:     ServiceUnavailable,
				Message:  fmt.Sprintf("bridge overloaded after %d attempts", attempt),
				Attempts: attempt,
			}
		}

		select {
		case <-time.After(time.Duration(attempt) * c.retryStep):
		case <-ctx.Done():
			return nil, &Error{Kind: Timeout, Message: ctx.Err().Error()}
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, bodyJSON []byte, authRequired bool) (json.RawMessage, bool, error) {
	var bodyReader io.Reader
	if bodyJSON != nil {
		bodyReader = bytes.NewReader(bodyJSON)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.absURL(path), bodyReader)
	if err != nil {
		return nil, false, &Error{Kind: BadRequest, Message: err.Error()}
	}
	if authRequired {
		req.Header.Set(appKeyHeader, c.AppKey)
	}
	if bodyJSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, classifyTransport(err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusServiceUnavailable:
		io.Copy(io.Discard, res.Body)
		return nil, true, &Error{Kind: ServiceUnavailable, Message: res.Status}
	case res.StatusCode == http.StatusBadRequest:
		return nil, false, &Error{Kind: BadRequest, Message: res.Status}
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, false, &Error{Kind: Unauthorized, Message: res.Status}
	case res.StatusCode == http.StatusNotFound:
		return nil, false, &Error{Kind: NotFound, Message: res.Status}
	case res.StatusCode < 200 || res.StatusCode > 299:
		return nil, false, &Error{Kind: ServerError, Message: res.Status}
	}

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return nil, false, &Error{Kind: ServerError, Message: "malformed response: " + err.Error()}
	}
	if len(env.Errors) != 0 {
		// Application errors under a 2xx status count as server faults.
		return nil, false, &Error{Kind: ServerError, Message: env.Errors[0].Description}
	}

	return env.Data, false, nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: Timeout, Message: err.Error()}
	}
	return &Error{Kind: ServiceUnavailable, Message: err.Error()}
}

func (c *Client) getResource(ctx context.Context, endpoint string, out any) error {
	data, err := c.Request(ctx, http.MethodGet, "/clip/v2/resource"+endpoint, nil, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: ServerError, Message: "malformed response: " + err.Error()}
	}
	return nil
}

func (c *Client) putResource(ctx context.Context, endpoint string, body any) error {
	_, err := c.Request(ctx, http.MethodPut, "/clip/v2/resource"+endpoint, body, true)
	return err
}
