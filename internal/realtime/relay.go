package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mbd888/peerex/internal/coord"
	"github.com/mbd888/peerex/internal/message"
	"github.com/mbd888/peerex/internal/metrics"
	"github.com/mbd888/peerex/internal/trade"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueSize = 1024
	publishTimeout   = 2 * time.Second
)

// envelope is an Event on the bus. Participants travel with it so every
// replica can filter without a lookup.
type envelope struct {
	Type         EventType       `json:"type"`
	TradeID      string          `json:"tradeId"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data"`
	Participants []string        `json:"participants"`
}

// Relay publishes trade and message events to a bus and feeds events from
// the bus into the local hub, so a client connected to any replica hears
// about changes made on every replica.
//
// Publishing only enqueues; Run drains the queue to the bus. Events are
// hints, so a full queue drops them.
type Relay struct {
	bus    coord.Bus
	hub    *Hub
	logger *slog.Logger
	now    func() time.Time
	queue  chan []byte
}

var (
	_ trade.Publisher   = (*Relay)(nil)
	_ message.Publisher = (*Relay)(nil)
)

// NewRelay creates a relay between bus and hub.
func NewRelay(bus coord.Bus, hub *Hub, logger *slog.Logger) *Relay {
	return &Relay{
		bus:    bus,
		hub:    hub,
		logger: logger,
		now:    time.Now,
		queue:  make(chan []byte, defaultQueueSize),
	}
}

// WithQueueSize sets how many events may wait for the bus.
func (r *Relay) WithQueueSize(n int) *Relay {
	if n > 0 {
		r.queue = make(chan []byte, n)
	}
	return r
}

// TradeChanged implements trade.Publisher.
func (r *Relay) TradeChanged(_ context.Context, t *trade.Trade, action trade.Action) {
	r.enqueue(EventTradeUpdated, t.ID, []string{t.BuyerID, t.SellerID}, map[string]any{
		"action": action,
		"trade":  t,
	})
}

// MessagePosted implements message.Publisher.
func (r *Relay) MessagePosted(_ context.Context, m *message.Message, participants []string) {
	r.enqueue(EventMessagePosted, m.TradeID, participants, map[string]any{
		"message": m,
	})
}

func (r *Relay) enqueue(typ EventType, tradeID string, participants []string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		r.logger.Warn("failed to encode event", "type", typ, "tradeId", tradeID, "error", err)
		return
	}
	payload, err := json.Marshal(envelope{
		Type:         typ,
		TradeID:      tradeID,
		Timestamp:    r.now().UTC(),
		Data:         raw,
		Participants: participants,
	})
	if err != nil {
		return
	}
	select {
	case r.queue <- payload:
	default:
		metrics.EventsDroppedTotal.Inc()
		r.logger.Warn("event queue full, dropping event", "type", typ, "tradeId", tradeID)
	}
}

// Run publishes queued events and forwards bus events to the hub until ctx
// is done.
func (r *Relay) Run(ctx context.Context) error {
	ch, err := r.bus.Subscribe(ctx, coord.EventsChannel)
	if err != nil {
		return err
	}
	r.logger.Info("realtime relay started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.drain(ctx)
		return nil
	})
	g.Go(func() error {
		r.forward(ch)
		return nil
	})
	return g.Wait()
}

func (r *Relay) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.queue:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := r.bus.Publish(pubCtx, coord.EventsChannel, payload); err != nil {
				r.logger.Warn("failed to publish event", "error", err)
			}
			cancel()
		}
	}
}

func (r *Relay) forward(ch <-chan []byte) {
	for payload := range ch {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			r.logger.Warn("dropping malformed event", "error", err)
			continue
		}
		r.hub.Broadcast(&Event{
			Type:         env.Type,
			TradeID:      env.TradeID,
			Timestamp:    env.Timestamp,
			Data:         env.Data,
			Participants: env.Participants,
		})
	}
}
