// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/cowork/lib/version"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/room"
	"github.com/bureau-foundation/cowork/transport"
)

// Compile-time interface check.
var _ room.Service = (*Client)(nil)

// Client is the peer side of the relay HTTP API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	websocket transport.WebSocketOptions
	userAgent string
}

// ClientConfig configures NewClient.
type ClientConfig struct {
	// BaseURL is the relay's http or https URL.
	BaseURL string

	// HTTPClient defaults to http.DefaultClient. Join calls block until
	// the host decides, so it should not carry a short timeout.
	HTTPClient *http.Client

	// WebSocket configures Connect. The User-Agent header is added.
	WebSocket transport.WebSocketOptions
}

// NewClient parses the base URL and returns a client.
func NewClient(config ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing relay URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("relay URL %q: scheme must be http or https", config.BaseURL)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:   base,
		http:      httpClient,
		websocket: config.WebSocket,
		userAgent: version.UserAgent("peer"),
	}, nil
}

// CreateRoom implements room.Service.
func (c *Client) CreateRoom(ctx context.Context, request protocol.CreateRoomRequest) (*protocol.RoomClaim, error) {
	var claim protocol.RoomClaim
	if err := c.post(ctx, PathRooms, request, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// JoinRoom implements room.Service.
func (c *Client) JoinRoom(ctx context.Context, roomID string, request protocol.JoinRoomRequest) (*protocol.RoomClaim, error) {
	var claim protocol.RoomClaim
	path := strings.Replace(PathJoin, "{roomID}", url.PathEscape(roomID), 1)
	if err := c.post(ctx, path, request, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// Connect implements room.Service by dialing the WebSocket endpoint.
// The returned transport redials the same token after link loss.
func (c *Client) Connect(ctx context.Context, roomToken string) (transport.Transport, error) {
	endpoint := *c.baseURL
	if endpoint.Scheme == "https" {
		endpoint.Scheme = "wss"
	} else {
		endpoint.Scheme = "ws"
	}
	endpoint.Path += strings.Replace(PathConnect, "{token}", url.PathEscape(roomToken), 1)

	options := c.websocket
	options.Header = options.Header.Clone()
	if options.Header == nil {
		options.Header = http.Header{}
	}
	options.Header.Set("User-Agent", c.userAgent)
	link, err := transport.DialWebSocket(ctx, endpoint.String(), options)
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", c.userAgent)

	response, err := c.http.Do(request)
	if err != nil {
		return &protocol.TransportError{Op: "post " + path, Err: err}
	}
	defer response.Body.Close()

	data, err := io.ReadAll(io.LimitReader(response.Body, maxRequestBody))
	if err != nil {
		return &protocol.TransportError{Op: "read " + path, Err: err}
	}
	if response.StatusCode >= 300 {
		var failure errorBody
		if json.Unmarshal(data, &failure) == nil && failure.Code != "" {
			return &protocol.ApplicationError{Code: failure.Code, Message: failure.Message}
		}
		if failure.Message == "" {
			failure.Message = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("relay %s: HTTP %d: %s", path, response.StatusCode, failure.Message)
	}
	if err := json.Unmarshal(data, result); err != nil {
		return &protocol.ProtocolError{Reason: fmt.Sprintf("decoding %s response: %v", path, err)}
	}
	return nil
}
