// Package channel normalizes inbound vendor webhooks into the standard
// message shape and dispatches outbound sends with per-channel rate limits.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/metrics"
)

// Capabilities describes what a channel adapter can do. The scheduler and
// sequence engine consult it before dispatch.
type Capabilities struct {
	SupportsText       bool `json:"supports_text"`
	SupportsMedia      bool `json:"supports_media"`
	SupportsTemplates  bool `json:"supports_templates"`
	MaxMessageLength   int  `json:"max_message_length"`
	QuietHoursHonored  bool `json:"quiet_hours_honored"`
	RateLimitPerMinute int  `json:"rate_limit_per_minute"`
}

// Adapter is implemented once per channel type. Adapters are stateless apart
// from cached vendor credentials.
type Adapter interface {
	ChannelType() model.ChannelType
	Capabilities() Capabilities

	// Normalize extracts a StandardMessage from a raw vendor webhook body.
	// Adapters try each known vendor shape in order before failing with
	// UNPARSEABLE_PAYLOAD.
	Normalize(raw json.RawMessage) (*model.StandardMessage, error)

	// Send delivers an outbound message, blocking up to the configured
	// timeout. Failures map to CHANNEL_TIMEOUT, CHANNEL_REJECTED or
	// CHANNEL_UNAVAILABLE.
	Send(ctx context.Context, out *model.OutboundMessage) (*model.SendReceipt, error)
}

// ErrUnknownChannel is returned by the registry for unregistered types.
var ErrUnknownChannel = errors.New("unknown channel type")

// Registry holds the configured adapters and enforces the per-(tenant,
// channel) send token bucket.
type Registry struct {
	adapters map[model.ChannelType]Adapter
	timeout  time.Duration
	sendRate int // tenant-level sends per minute, clamped by adapter caps

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRegistry creates an adapter registry. sendTimeout bounds every Send.
func NewRegistry(sendTimeout time.Duration, adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[model.ChannelType]Adapter, len(adapters)),
		timeout:  sendTimeout,
		buckets:  make(map[string]*rate.Limiter),
	}
	for _, a := range adapters {
		r.adapters[a.ChannelType()] = a
	}
	return r
}

// SetSendRate sets the tenant-level send budget per minute. Must be called
// before the first AllowSend.
func (r *Registry) SetSendRate(perMin int) {
	r.sendRate = perMin
}

// Adapter returns the adapter for a channel type.
func (r *Registry) Adapter(ct model.ChannelType) (Adapter, error) {
	a, ok := r.adapters[ct]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ct)
	}
	return a, nil
}

// Normalize routes a raw webhook body through the matching adapter.
func (r *Registry) Normalize(ct model.ChannelType, raw json.RawMessage) (*model.StandardMessage, error) {
	a, err := r.Adapter(ct)
	if err != nil {
		return nil, err
	}
	return a.Normalize(raw)
}

// AllowSend reports whether the (tenant, channel) token bucket has capacity,
// consuming one token when it does.
func (r *Registry) AllowSend(tenantID uuid.UUID, ct model.ChannelType) bool {
	return r.limiter(tenantID, ct).Allow()
}

func (r *Registry) limiter(tenantID uuid.UUID, ct model.ChannelType) *rate.Limiter {
	key := tenantID.String() + "|" + string(ct)

	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.buckets[key]
	if !ok {
		perMin := 20
		if r.sendRate > 0 {
			perMin = r.sendRate
		}
		if a, err := r.Adapter(ct); err == nil {
			if vendor := a.Capabilities().RateLimitPerMinute; vendor > 0 && vendor < perMin {
				perMin = vendor
			}
		}
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		r.buckets[key] = lim
	}
	return lim
}

// Send dispatches an outbound message via the channel's adapter under the
// registry's hard timeout. The caller is expected to have passed AllowSend.
func (r *Registry) Send(ctx context.Context, tenantID uuid.UUID, ct model.ChannelType, out *model.OutboundMessage) (*model.SendReceipt, error) {
	a, err := r.Adapter(ct)
	if err != nil {
		return nil, err
	}

	if caps := a.Capabilities(); caps.MaxMessageLength > 0 && len(out.Content) > caps.MaxMessageLength {
		return nil, coreerr.Newf(coreerr.KindChannelRejected,
			"message length %d exceeds channel limit %d", len(out.Content), caps.MaxMessageLength)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := a.Send(ctx, out)
	metrics.SendDuration.WithLabelValues(string(ct)).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !coreerr.IsKind(err, coreerr.KindChannelRejected) {
			err = coreerr.Wrap(coreerr.KindChannelTimeout, "send deadline exceeded", err)
		}
	}
	metrics.SendsTotal.WithLabelValues(string(ct), status).Inc()
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
