package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
)

// FakeAdapter is a test double recording sends and serving canned results.
type FakeAdapter struct {
	Channel model.ChannelType
	Caps    Capabilities

	SendErr error

	mu    sync.Mutex
	sends []model.OutboundMessage
}

// NewFake creates a fake adapter for a channel.
func NewFake(ct model.ChannelType) *FakeAdapter {
	return &FakeAdapter{
		Channel: ct,
		Caps: Capabilities{
			SupportsText:       true,
			SupportsTemplates:  true,
			MaxMessageLength:   4096,
			QuietHoursHonored:  true,
			RateLimitPerMinute: 600,
		},
	}
}

func (f *FakeAdapter) ChannelType() model.ChannelType { return f.Channel }

func (f *FakeAdapter) Capabilities() Capabilities { return f.Caps }

func (f *FakeAdapter) Normalize(raw json.RawMessage) (*model.StandardMessage, error) {
	var msg model.StandardMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.SenderIdentifier == "" {
		return nil, coreerr.New(coreerr.KindUnparseablePayload, "fake payload matches no known shape")
	}
	msg.ChannelType = f.Channel
	if msg.ContentType == "" {
		msg.ContentType = model.ContentTypeText
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	msg.Raw = raw
	return &msg, nil
}

func (f *FakeAdapter) Send(_ context.Context, out *model.OutboundMessage) (*model.SendReceipt, error) {
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	f.mu.Lock()
	f.sends = append(f.sends, *out)
	f.mu.Unlock()
	return &model.SendReceipt{Accepted: true, VendorMessageID: "fake-1"}, nil
}

// Sends returns a copy of all recorded sends.
func (f *FakeAdapter) Sends() []model.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.OutboundMessage, len(f.sends))
	copy(out, f.sends)
	return out
}
