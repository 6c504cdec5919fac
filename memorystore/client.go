// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package memorystore is the HTTP client for the external memory
// store: the service that holds long-lived context per working
// context and indexes completed exchanges.
//
// The two call sites have opposite failure postures. Context fetches
// sit on the turn path, so failures degrade to an empty context (the
// composer logs and moves on). Exchange forwarding is off the turn
// path and failures surface as errors so the capture forwarder can
// queue and retry.
package memorystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tiller-foundation/tiller/capture"
	"github.com/tiller-foundation/tiller/lib/netutil"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// URL is the memory store base URL (e.g. "http://localhost:7700").
	URL string
	// HTTPClient is used for all requests. If nil, a client with
	// Timeout is constructed.
	HTTPClient *http.Client
	// Timeout bounds each request when HTTPClient is nil.
	// Default: 10s.
	Timeout time.Duration
	// Logger is used for structured logging. Nil discards.
	Logger *slog.Logger
}

// Client talks to the memory store. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a memory store client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("memorystore: URL is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("memorystore: invalid URL %q: %w", config.URL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		baseURL:    strings.TrimRight(config.URL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// contextResponse is the memory store's context payload.
type contextResponse struct {
	Context string `json:"context"`
}

// FetchContext returns the stored context for a working context ID.
// A missing context is not an error: the store has simply never seen
// this context, and the turn proceeds without memory.
func (c *Client) FetchContext(ctx context.Context, contextID string) (string, error) {
	requestURL := c.baseURL + "/v1/context/" + url.PathEscape(contextID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", fmt.Errorf("memorystore: creating context request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("memorystore: fetching context %q: %w", contextID, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return "", nil
	case response.StatusCode < 200 || response.StatusCode >= 300:
		return "", fmt.Errorf("memorystore: context fetch returned %d: %s",
			response.StatusCode, netutil.ErrorBody(response.Body))
	}

	var decoded contextResponse
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		return "", fmt.Errorf("memorystore: parsing context response: %w", err)
	}
	return decoded.Context, nil
}

// exchangeRequest is the payload for indexing one completed exchange.
type exchangeRequest struct {
	TurnID      string    `json:"turn_id"`
	ContextID   string    `json:"context_id"`
	Destination string    `json:"destination"`
	Text        string    `json:"text"`
	CompletedAt time.Time `json:"completed_at"`
}

// Deliver forwards a completed exchange for indexing. Implements the
// capture forwarder's Sender.
func (c *Client) Deliver(ctx context.Context, delivery capture.Delivery) error {
	payload, err := json.Marshal(exchangeRequest{
		TurnID:      delivery.TurnID,
		ContextID:   delivery.ContextID,
		Destination: delivery.Destination,
		Text:        delivery.Text,
		CompletedAt: delivery.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("memorystore: encoding exchange: %w", err)
	}

	requestURL := c.baseURL + "/v1/exchanges"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("memorystore: creating exchange request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("memorystore: delivering exchange for turn %s: %w", delivery.TurnID, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("memorystore: exchange delivery returned %d: %s",
			response.StatusCode, netutil.ErrorBody(response.Body))
	}
	return nil
}
