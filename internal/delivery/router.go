// Package delivery routes posts to the gateway serving their channel kind.
package delivery

import (
	"context"
	"fmt"

	"github.com/bissquit/post-scheduler/internal/dispatch"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/pkg/ctxlog"
)

// KindGateway is a gateway bound to one channel kind.
type KindGateway interface {
	dispatch.Gateway
	Kind() domain.ChannelKind
}

// Router implements dispatch.Gateway by picking a gateway per channel kind.
type Router struct {
	gateways map[domain.ChannelKind]KindGateway
}

// NewRouter creates a router over the given gateways.
func NewRouter(gateways ...KindGateway) *Router {
	gatewayMap := make(map[domain.ChannelKind]KindGateway)
	for _, g := range gateways {
		gatewayMap[g.Kind()] = g
	}
	return &Router{gateways: gatewayMap}
}

// Deliver forwards to the gateway of channel.Kind. Channels of a kind with
// no configured gateway fail permanently.
func (r *Router) Deliver(ctx context.Context, channel domain.Channel, content domain.Content) error {
	g, ok := r.gateways[channel.Kind]
	if !ok {
		ctxlog.FromContext(ctx).Warn("no gateway for channel kind", "kind", channel.Kind)
		return dispatch.Permanent(fmt.Errorf("%w: %s", dispatch.ErrNoGateway, channel.Kind))
	}
	return g.Deliver(ctx, channel, content)
}

// Kinds lists the channel kinds that can be delivered to.
func (r *Router) Kinds() []domain.ChannelKind {
	kinds := make([]domain.ChannelKind, 0, len(r.gateways))
	for k := range r.gateways {
		kinds = append(kinds, k)
	}
	return kinds
}
