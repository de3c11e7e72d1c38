// Package venue talks to the external yield venue: it exchanges pooled
// contributions for a yield-bearing position and delivers claim payouts. How
// the venue produces yield is entirely outside this service; only the
// realized output value and a position reference come back.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"
)

// ConversionResult is the venue's response to an exchange.
type ConversionResult struct {
	Output      math.Int `json:"output"`
	PositionRef string   `json:"position_ref"`
}

// Converter exchanges an aggregate contribution amount for a position.
type Converter interface {
	Convert(ctx context.Context, input math.Int) (*ConversionResult, error)
}

// PayoutSender delivers an outward transfer to a benefactor's venue account.
// The payout ID doubles as an idempotency key.
type PayoutSender interface {
	SendPayout(ctx context.Context, id uuid.UUID, benefactor string, amount math.Int) error
}

type ClientConfig struct {
	Logger  *slog.Logger
	BaseURL string
	// Token authenticates this service to the venue.
	Token      string
	HTTPClient *http.Client
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("venue base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// Client is the HTTP venue client. It performs no retries; conversion and
// claim calls must surface failures to their caller unchanged.
type Client struct {
	log  *slog.Logger
	cfg  ClientConfig
	http *http.Client
}

var (
	_ Converter    = (*Client)(nil)
	_ PayoutSender = (*Client)(nil)
)

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:  cfg.Logger,
		cfg:  cfg,
		http: cfg.HTTPClient,
	}, nil
}

type convertRequest struct {
	Amount math.Int `json:"amount"`
}

func (c *Client) Convert(ctx context.Context, input math.Int) (*ConversionResult, error) {
	var res ConversionResult
	if err := c.post(ctx, "/convert", convertRequest{Amount: input}, &res); err != nil {
		return nil, err
	}
	if res.Output.IsNil() || res.Output.IsNegative() {
		return nil, fmt.Errorf("venue returned invalid output for input %s", input)
	}
	c.log.Debug("venue: converted", "input", input.String(), "output", res.Output.String(), "position_ref", res.PositionRef)
	return &res, nil
}

type payoutRequest struct {
	PayoutID   uuid.UUID `json:"payout_id"`
	Benefactor string    `json:"benefactor"`
	Amount     math.Int  `json:"amount"`
}

func (c *Client) SendPayout(ctx context.Context, id uuid.UUID, benefactor string, amount math.Int) error {
	if err := c.post(ctx, "/payouts", payoutRequest{PayoutID: id, Benefactor: benefactor, Amount: amount}, nil); err != nil {
		return err
	}
	c.log.Debug("venue: payout sent", "payout_id", id, "benefactor", benefactor, "amount", amount.String())
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal venue request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create venue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call venue %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("venue %s returned status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode venue response: %w", err)
	}
	return nil
}
