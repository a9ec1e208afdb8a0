package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/acme/campaign-call-manager/internal/config"
	"github.com/acme/campaign-call-manager/internal/telephony"
	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
)

// Provider submits dial requests to an external telephony API over HTTP. The
// provider reports outcomes asynchronously to the configured callback URL.
type Provider struct {
	baseURL     string
	callbackURL string
	client      *http.Client
}

// NewProvider builds the HTTP bridge from provider configuration.
func NewProvider(cfg config.ProviderConfig) *Provider {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		callbackURL: cfg.CallbackBaseURL,
		client:      &http.Client{Timeout: timeout},
	}
}

type dialPayload struct {
	CallID      string `json:"call_id"`
	PhoneNumber string `json:"phone_number"`
	Attempt     int    `json:"attempt"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type dialAck struct {
	Reference string `json:"reference"`
}

// PlaceCall posts the dial request. A 2xx answer is an accept, a 4xx is a
// provider rejection, anything else is a transport failure.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.DialRequest) (telephony.Ack, error) {
	payload := dialPayload{
		CallID:      req.CallID,
		PhoneNumber: req.PhoneNumber,
		Attempt:     req.Attempt,
		CallbackURL: p.callbackURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return telephony.Ack{}, fmt.Errorf("bridge: marshal dial request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/dial", bytes.NewReader(body))
	if err != nil {
		return telephony.Ack{}, fmt.Errorf("bridge: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return telephony.Ack{}, fmt.Errorf("bridge: place call %s: %w", req.CallID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ack dialAck
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return telephony.Ack{}, fmt.Errorf("bridge: decode ack: %w", err)
		}
		return telephony.Ack{ExternalRef: ack.Reference}, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return telephony.Ack{}, fmt.Errorf("%w: provider refused call %s: %s", apperrors.ErrValidation, req.CallID, strings.TrimSpace(string(detail)))
	}
	return telephony.Ack{}, fmt.Errorf("%w: provider returned status %d", apperrors.ErrUnavailable, resp.StatusCode)
}
