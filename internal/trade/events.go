package trade

import "context"

// Publisher is told about every committed change so it can notify the
// trade's participants. Implementations must not block.
type Publisher interface {
	TradeChanged(ctx context.Context, t *Trade, action Action)
}

type nopPublisher struct{}

func (nopPublisher) TradeChanged(context.Context, *Trade, Action) {}
