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

// WhatsAppConfig holds vendor API settings for the WhatsApp adapter.
type WhatsAppConfig struct {
	APIBaseURL  string
	AccessToken string
	PhoneID     string
}

// WhatsAppAdapter speaks the WhatsApp Business Cloud API. Inbound webhooks
// arrive in two shapes in the wild: the Cloud API entry/changes envelope and
// the flat legacy relay shape.
type WhatsAppAdapter struct {
	cfg  WhatsAppConfig
	http *http.Client
}

// NewWhatsApp creates the WhatsApp adapter.
func NewWhatsApp(cfg WhatsAppConfig) *WhatsAppAdapter {
	return &WhatsAppAdapter{cfg: cfg, http: &http.Client{}}
}

func (a *WhatsAppAdapter) ChannelType() model.ChannelType { return model.ChannelWhatsApp }

func (a *WhatsAppAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsText:       true,
		SupportsMedia:      true,
		SupportsTemplates:  true,
		MaxMessageLength:   4096,
		QuietHoursHonored:  true,
		RateLimitPerMinute: 60,
	}
}

// cloudAPIWebhook is the Cloud API envelope (shape A).
type cloudAPIWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// legacyRelayWebhook is the flat relay shape (shape B).
type legacyRelayWebhook struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func (a *WhatsAppAdapter) Normalize(raw json.RawMessage) (*model.StandardMessage, error) {
	if msg, err := a.normalizeCloudAPI(raw); err == nil {
		return msg, nil
	}
	if msg, err := a.normalizeLegacy(raw); err == nil {
		return msg, nil
	}
	return nil, coreerr.New(coreerr.KindUnparseablePayload, "whatsapp payload matches no known shape")
}

func (a *WhatsAppAdapter) normalizeCloudAPI(raw json.RawMessage) (*model.StandardMessage, error) {
	var wh cloudAPIWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, err
	}
	if len(wh.Entry) == 0 || len(wh.Entry[0].Changes) == 0 || len(wh.Entry[0].Changes[0].Value.Messages) == 0 {
		return nil, errors.New("no messages in envelope")
	}
	m := wh.Entry[0].Changes[0].Value.Messages[0]
	if m.From == "" {
		return nil, errors.New("missing sender")
	}

	receivedAt := time.Now().UTC()
	if ts, err := parseUnixString(m.Timestamp); err == nil {
		receivedAt = ts
	}

	contentType := model.ContentTypeText
	if m.Type != "" && m.Type != "text" {
		contentType = model.ContentTypeMedia
	}

	return &model.StandardMessage{
		ChannelType:      model.ChannelWhatsApp,
		SenderIdentifier: m.From,
		Content:          m.Text.Body,
		ContentType:      contentType,
		ReceivedAt:       receivedAt,
		Metadata:         map[string]any{"vendor_shape": "cloud_api"},
		Raw:              raw,
	}, nil
}

func (a *WhatsAppAdapter) normalizeLegacy(raw json.RawMessage) (*model.StandardMessage, error) {
	var wh legacyRelayWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, err
	}
	if wh.From == "" || wh.Body == "" {
		return nil, errors.New("missing sender or body")
	}

	receivedAt := time.Now().UTC()
	if wh.Timestamp > 0 {
		receivedAt = time.Unix(wh.Timestamp, 0).UTC()
	}

	contentType := model.ContentTypeText
	if wh.Type != "" && wh.Type != "text" {
		contentType = model.ContentTypeMedia
	}

	return &model.StandardMessage{
		ChannelType:      model.ChannelWhatsApp,
		SenderIdentifier: wh.From,
		Content:          wh.Body,
		ContentType:      contentType,
		ReceivedAt:       receivedAt,
		Metadata:         map[string]any{"vendor_shape": "legacy_relay"},
		Raw:              raw,
	}, nil
}

type whatsAppSendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type whatsAppSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *WhatsAppAdapter) Send(ctx context.Context, out *model.OutboundMessage) (*model.SendReceipt, error) {
	body := whatsAppSendRequest{MessagingProduct: "whatsapp", To: out.Recipient, Type: "text"}
	body.Text.Body = out.Content

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", a.cfg.APIBaseURL, a.cfg.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, coreerr.Wrap(coreerr.KindChannelTimeout, "whatsapp send timed out", err)
		}
		return nil, coreerr.Wrap(coreerr.KindChannelUnavailable, "whatsapp api unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var parsed whatsAppSendResponse
	_ = json.Unmarshal(respBody, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		receipt := &model.SendReceipt{Accepted: true}
		if len(parsed.Messages) > 0 {
			receipt.VendorMessageID = parsed.Messages[0].ID
		}
		return receipt, nil
	case resp.StatusCode >= 500:
		return nil, coreerr.Newf(coreerr.KindChannelUnavailable, "whatsapp api returned %d", resp.StatusCode)
	default:
		return nil, coreerr.Newf(coreerr.KindChannelRejected, "whatsapp rejected send: %s", parsed.Error.Message)
	}
}

func parseUnixString(s string) (time.Time, error) {
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err != nil || secs <= 0 {
		return time.Time{}, errors.New("bad timestamp")
	}
	return time.Unix(secs, 0).UTC(), nil
}
