package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/diaflow/common/logger"
	"github.com/flowmesh/diaflow/engine/eventbus"
	"github.com/flowmesh/diaflow/engine/execution"
)

const channelPrefix = "diaflow:events:"

// Channel returns the redis pubsub channel carrying one execution's
// events.
func Channel(id execution.ID) string {
	return channelPrefix + string(id)
}

// executionFromChannel inverts Channel. Empty means a foreign channel.
func executionFromChannel(channel string) execution.ID {
	id, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return ""
	}
	return execution.ID(id)
}

// Publisher republishes bus events to redis so watchers on other
// processes see them. Publish failures are logged and skipped; event
// delivery is best effort and the state store stays authoritative.
type Publisher struct {
	bus *eventbus.Bus
	rdb *redis.Client
	log *logger.Logger
}

// NewPublisher builds a publisher over an established redis client.
func NewPublisher(bus *eventbus.Bus, rdb *redis.Client, log *logger.Logger) *Publisher {
	return &Publisher{bus: bus, rdb: rdb, log: log}
}

// Run forwards events until ctx ends or the bus closes.
func (p *Publisher) Run(ctx context.Context) {
	sub := p.bus.Subscribe("", 1024)
	defer sub.Close()

	p.log.Info("redis event publisher started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("encode event for relay", "error", err, "type", ev.Type)
				continue
			}
			if err := p.rdb.Publish(ctx, Channel(ev.ExecutionID), data).Err(); err != nil {
				p.log.Warn("publish event to redis",
					"error", err,
					"execution_id", ev.ExecutionID,
					"type", ev.Type)
			}
		}
	}
}

// Subscriber feeds redis pubsub traffic into the WebSocket hub. It is
// the receiving half of Publisher, typically on a different process.
type Subscriber struct {
	rdb *redis.Client
	hub *Hub
	log *logger.Logger
}

// NewSubscriber builds a subscriber delivering into hub.
func NewSubscriber(rdb *redis.Client, hub *Hub, log *logger.Logger) *Subscriber {
	return &Subscriber{rdb: rdb, hub: hub, log: log}
}

// Run listens on every execution channel until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to relay channels: %w", err)
	}
	s.log.Info("redis event subscriber started", "pattern", channelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id := executionFromChannel(msg.Channel)
			if id == "" {
				s.log.Warn("unexpected relay channel", "channel", msg.Channel)
				continue
			}
			s.hub.Broadcast(id, []byte(msg.Payload))
		}
	}
}
