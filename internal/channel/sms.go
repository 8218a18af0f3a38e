package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
)

// SMSConfig holds vendor API settings for the SMS adapter.
type SMSConfig struct {
	APIBaseURL string
	AccountSID string
	AuthToken  string
	FromNumber string
}

// SMSAdapter speaks a Twilio-compatible messaging API. Inbound webhooks come
// either as the JSON relay shape or as form-encoded vendor callbacks that a
// gateway has re-wrapped into JSON.
type SMSAdapter struct {
	cfg  SMSConfig
	http *http.Client
}

// NewSMS creates the SMS adapter.
func NewSMS(cfg SMSConfig) *SMSAdapter {
	return &SMSAdapter{cfg: cfg, http: &http.Client{}}
}

func (a *SMSAdapter) ChannelType() model.ChannelType { return model.ChannelSMS }

func (a *SMSAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsText:       true,
		SupportsMedia:      false,
		SupportsTemplates:  false,
		MaxMessageLength:   1600,
		QuietHoursHonored:  true,
		RateLimitPerMinute: 30,
	}
}

// smsRelayWebhook is the JSON relay shape (shape A).
type smsRelayWebhook struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at"`
}

// smsVendorWebhook mirrors the vendor callback field names (shape B).
type smsVendorWebhook struct {
	From string `json:"From"`
	To   string `json:"To"`
	Body string `json:"Body"`
	SID  string `json:"MessageSid"`
}

func (a *SMSAdapter) Normalize(raw json.RawMessage) (*model.StandardMessage, error) {
	if msg, err := a.normalizeRelay(raw); err == nil {
		return msg, nil
	}
	if msg, err := a.normalizeVendor(raw); err == nil {
		return msg, nil
	}
	return nil, coreerr.New(coreerr.KindUnparseablePayload, "sms payload matches no known shape")
}

func (a *SMSAdapter) normalizeRelay(raw json.RawMessage) (*model.StandardMessage, error) {
	var wh smsRelayWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, err
	}
	if wh.From == "" || wh.Body == "" {
		return nil, errors.New("missing sender or body")
	}

	receivedAt := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339, wh.ReceivedAt); err == nil {
		receivedAt = ts.UTC()
	}

	return &model.StandardMessage{
		ChannelType:      model.ChannelSMS,
		SenderIdentifier: wh.From,
		Content:          wh.Body,
		ContentType:      model.ContentTypeText,
		ReceivedAt:       receivedAt,
		Metadata:         map[string]any{"vendor_shape": "relay"},
		Raw:              raw,
	}, nil
}

func (a *SMSAdapter) normalizeVendor(raw json.RawMessage) (*model.StandardMessage, error) {
	var wh smsVendorWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, err
	}
	if wh.From == "" || wh.Body == "" {
		return nil, errors.New("missing sender or body")
	}

	meta := map[string]any{"vendor_shape": "vendor_callback"}
	if wh.SID != "" {
		meta["vendor_message_id"] = wh.SID
	}

	return &model.StandardMessage{
		ChannelType:      model.ChannelSMS,
		SenderIdentifier: wh.From,
		Content:          wh.Body,
		ContentType:      model.ContentTypeText,
		ReceivedAt:       time.Now().UTC(),
		Metadata:         meta,
		Raw:              raw,
	}, nil
}

type smsSendResponse struct {
	SID          string `json:"sid"`
	ErrorMessage string `json:"message"`
}

func (a *SMSAdapter) Send(ctx context.Context, out *model.OutboundMessage) (*model.SendReceipt, error) {
	form := url.Values{}
	form.Set("From", a.cfg.FromNumber)
	form.Set("To", out.Recipient)
	form.Set("Body", out.Content)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", a.cfg.APIBaseURL, a.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, coreerr.Wrap(coreerr.KindChannelTimeout, "sms send timed out", err)
		}
		return nil, coreerr.Wrap(coreerr.KindChannelUnavailable, "sms api unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var parsed smsSendResponse
	_ = json.Unmarshal(respBody, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &model.SendReceipt{Accepted: true, VendorMessageID: parsed.SID}, nil
	case resp.StatusCode >= 500:
		return nil, coreerr.Newf(coreerr.KindChannelUnavailable, "sms api returned %d", resp.StatusCode)
	default:
		return nil, coreerr.Newf(coreerr.KindChannelRejected, "sms rejected send: %s", parsed.ErrorMessage)
	}
}
