package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
)

// EmailConfig holds vendor API settings for the email adapter.
type EmailConfig struct {
	APIBaseURL  string
	APIKey      string
	FromAddress string
	FromName    string
}

// EmailAdapter speaks a SendGrid-compatible mail API. Inbound parse webhooks
// arrive either as the structured inbound-parse shape or as a flat forwarder
// shape.
type EmailAdapter struct {
	cfg  EmailConfig
	http *http.Client
}

// NewEmail creates the email adapter.
func NewEmail(cfg EmailConfig) *EmailAdapter {
	return &EmailAdapter{cfg: cfg, http: &http.Client{}}
}

func (a *EmailAdapter) ChannelType() model.ChannelType { return model.ChannelEmail }

func (a *EmailAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsText:       true,
		SupportsMedia:      true,
		SupportsTemplates:  true,
		MaxMessageLength:   100000,
		QuietHoursHonored:  false,
		RateLimitPerMinute: 120,
	}
}

// inboundParseWebhook is the structured inbound-parse shape (shape A).
type inboundParseWebhook struct {
	Envelope struct {
		From string `json:"from"`
	} `json:"envelope"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

// forwarderWebhook is the flat forwarder shape (shape B).
type forwarderWebhook struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (a *EmailAdapter) Normalize(raw json.RawMessage) (*model.StandardMessage, error) {
	if msg, err := a.normalizeInboundParse(raw); err == nil {
		return msg, nil
	}
	if msg, err := a.normalizeForwarder(raw); err == nil {
		return msg, nil
	}
	return nil, coreerr.New(coreerr.KindUnparseablePayload, "email payload matches no known shape")
}

func (a *EmailAdapter) normalizeInboundParse(raw json.RawMessage) (*model.StandardMessage, error) {
	var wh inboundParseWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, err
	}
	if wh.Envelope.From == "" {
		return nil, errors.New("missing envelope sender")
	}

	content := wh.Text
	if content == "" {
		content = wh.HTML
	}

	return &model.StandardMessage{
		ChannelType:      model.ChannelEmail,
		SenderIdentifier: wh.Envelope.From,
		Content:          content,
		ContentType:      model.ContentTypeText,
		ReceivedAt:       time.Now().UTC(),
		Metadata:         map[string]any{"vendor_shape": "inbound_parse", "subject": wh.Subject},
		Raw:              raw,
	}, nil
}

func (a *EmailAdapter) normalizeForwarder(raw json.RawMessage) (*model.StandardMessage, error) {
	var wh forwarderWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, err
	}
	if wh.Sender == "" || wh.Body == "" {
		return nil, errors.New("missing sender or body")
	}

	return &model.StandardMessage{
		ChannelType:      model.ChannelEmail,
		SenderIdentifier: wh.Sender,
		Content:          wh.Body,
		ContentType:      model.ContentTypeText,
		ReceivedAt:       time.Now().UTC(),
		Metadata:         map[string]any{"vendor_shape": "forwarder", "subject": wh.Subject},
		Raw:              raw,
	}, nil
}

type emailSendRequest struct {
	Personalizations []struct {
		To []map[string]string `json:"to"`
	} `json:"personalizations"`
	From    map[string]string `json:"from"`
	Subject string            `json:"subject"`
	Content []map[string]string `json:"content"`
}

func (a *EmailAdapter) Send(ctx context.Context, out *model.OutboundMessage) (*model.SendReceipt, error) {
	subject := "Follow-up"
	if s, ok := out.Variables["subject"].(string); ok && s != "" {
		subject = s
	}

	body := emailSendRequest{
		From:    map[string]string{"email": a.cfg.FromAddress, "name": a.cfg.FromName},
		Subject: subject,
		Content: []map[string]string{{"type": "text/plain", "value": out.Content}},
	}
	body.Personalizations = append(body.Personalizations, struct {
		To []map[string]string `json:"to"`
	}{To: []map[string]string{{"email": out.Recipient}}})

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBaseURL+"/v3/mail/send", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, coreerr.Wrap(coreerr.KindChannelTimeout, "email send timed out", err)
		}
		return nil, coreerr.Wrap(coreerr.KindChannelUnavailable, "email api unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &model.SendReceipt{Accepted: true, VendorMessageID: resp.Header.Get("X-Message-Id")}, nil
	case resp.StatusCode >= 500:
		return nil, coreerr.Newf(coreerr.KindChannelUnavailable, "email api returned %d", resp.StatusCode)
	default:
		return nil, coreerr.Newf(coreerr.KindChannelRejected, "email rejected send: status %d", resp.StatusCode)
	}
}
