// Package monitoring is the broadcast-observability collaborator. The otel
// implementation records counters on the global meter provider; servers
// without a provider installed get the no-op.
package monitoring

import (
	"context"
	"fmt"

	"github.com/sambigeara/ripple/pkg/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Monitor observes each broadcast on the fanout hot path. Implementations
// must be safe for concurrent calls from multiple registries.
type Monitor interface {
	OnBroadcast(m *protocol.Message, subscribers int)
}

// Noop discards all observations.
type Noop struct{}

func (Noop) OnBroadcast(*protocol.Message, int) {}

// OTel counts broadcasts and delivered messages per topic.
type OTel struct {
	broadcasts metric.Int64Counter
	delivered  metric.Int64Counter
}

var _ Monitor = (*OTel)(nil)

func NewOTel() (*OTel, error) {
	meter := otel.Meter("github.com/sambigeara/ripple/pkg/monitoring")

	broadcasts, err := meter.Int64Counter("ripple.broadcasts",
		metric.WithDescription("Messages fanned out to local subscribers"))
	if err != nil {
		return nil, fmt.Errorf("create broadcast counter: %w", err)
	}

	delivered, err := meter.Int64Counter("ripple.messages_delivered",
		metric.WithDescription("Per-subscriber deliveries"))
	if err != nil {
		return nil, fmt.Errorf("create delivered counter: %w", err)
	}

	return &OTel{broadcasts: broadcasts, delivered: delivered}, nil
}

func (o *OTel) OnBroadcast(m *protocol.Message, subscribers int) {
	attrs := metric.WithAttributes(attribute.String("topic", string(m.Topic)))
	ctx := context.Background()
	o.broadcasts.Add(ctx, 1, attrs)
	o.delivered.Add(ctx, int64(subscribers), attrs)
}
