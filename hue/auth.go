package hue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// The v1 application error code the bridge answers with while its
// physical link button has not been pressed.
const errTypeLinkButton = 101

// BridgeInfo is the unauthenticated identity of a candidate bridge.
type BridgeInfo struct {
	// ID is the normalized bridge id (12 lowercase hex chars).
	ID        string
	Name      string
	SWVersion string
	Addr      string
}

// FetchBridgeInfo confirms that addr hosts a bridge and returns its
// identity. This bypasses the generic request path: the config endpoint
// is unauthenticated and does not use the CLIP envelope.
func (c *Client) FetchBridgeInfo(ctx context.Context, addr string) (BridgeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/api/config", addr), nil)
	if err != nil {
		return BridgeInfo{}, &Error{Kind: BadRequest, Message: err.Error()}
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return BridgeInfo{}, classifyTransport(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return BridgeInfo{}, &Error{Kind: ServerError, Message: res.Status}
	}

	var raw struct {
		BridgeID  string `json:"bridgeid"`
		Name      string `json:"name"`
		SWVersion string `json:"swversion"`
	}
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return BridgeInfo{}, &Error{Kind: ServerError, Message: "not a bridge config: " + err.Error()}
	}
	if raw.BridgeID == "" {
		return BridgeInfo{}, &Error{Kind: NotFound, Message: "no bridge id in config"}
	}

	return BridgeInfo{
		ID:        NormalizeBridgeID(c.log, raw.BridgeID),
		Name:      raw.Name,
		SWVersion: raw.SWVersion,
		Addr:      addr,
	}, nil
}

// SupportsCLIP2 probes whether the bridge at addr speaks the v2 API.
// The probe is inverted on purpose: an unauthenticated read of a
// privileged v2 resource is rejected with a 403-shaped error by a v2
// bridge, so that rejection is the positive signal. Any other outcome
// (success, 404, transport failure) means there is no usable v2 bridge
// at this address.
func (c *Client) SupportsCLIP2(ctx context.Context, addr string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/clip/v2/resource", addr), nil)
	if err != nil {
		return false
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()

	return res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusUnauthorized
}

// Credentials are issued by the bridge once its link button has been
// pressed.
type Credentials struct {
	Username  string
	ClientKey string
}

// CreateUser asks the bridge at addr to issue credentials for this
// install. While the link button has not been pressed the bridge
// answers with application error 101, surfaced as
// ErrLinkButtonNotPressed so the caller can prompt and retry.
func (c *Client) CreateUser(ctx context.Context, addr, devicetype string) (Credentials, error) {
	body, _ := json.Marshal(map[string]any{
		"devicetype":        devicetype,
		"generateclientkey": true,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("https://%s/api", addr), bytes.NewReader(body))
	if err != nil {
		return Credentials{}, &Error{Kind: BadRequest, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Log(ctx, LevelTrace, "bridge request",
		slog.String("method", http.MethodPost),
		slog.String("path", "/api"),
	)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Credentials{}, classifyTransport(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return Credentials{}, &Error{Kind: ServerError, Message: res.Status}
	}

	// v1 envelope: an array of {"error": {...}} / {"success": {...}}.
	var results []struct {
		Error *struct {
			Type        int    `json:"type"`
			Description string `json:"description"`
		} `json:"error"`
		Success *struct {
			Username  string `json:"username"`
			ClientKey string `json:"clientkey"`
		} `json:"success"`
	}
	if err := json.NewDecoder(res.Body).Decode(&results); err != nil {
		return Credentials{}, &Error{Kind: ServerError, Message: "malformed response: " + err.Error()}
	}

	for _, r := range results {
		if r.Error != nil {
			if r.Error.Type == errTypeLinkButton {
				return Credentials{}, ErrLinkButtonNotPressed
			}
			return Credentials{}, &Error{Kind: ServerError, Message: r.Error.Description}
		}
		if r.Success != nil {
			if r.Success.Username == "" {
				return Credentials{}, &Error{Kind: ServerError, Message: "pairing response without username"}
			}
			return Credentials{Username: r.Success.Username, ClientKey: r.Success.ClientKey}, nil
		}
	}
	return Credentials{}, &Error{Kind: ServerError, Message: "empty pairing response"}
}
