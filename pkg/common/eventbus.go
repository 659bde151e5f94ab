package common

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	// EventResourceChanged carries the virtual path of a created, updated or renamed resource.
	EventResourceChanged EventType = "resource.changed"
	// EventResourceDeleted carries the virtual path of a deleted resource.
	EventResourceDeleted EventType = "resource.deleted"
	// EventCacheInvalidate asks every session to drop the named collection (or all).
	EventCacheInvalidate EventType = "cache.invalidate"
)

type Event struct {
	Type   EventType      `json:"type"`
	Origin string         `json:"origin"`
	Data   map[string]any `json:"data,omitempty"`
}

// Local returns true if the event was emitted by this bus.
func (e Event) Local(bus *EventBus) bool {
	return e.Origin == bus.origin
}

// EventBus dispatches events to local handlers and, when redis is configured,
// to every other session subscribed to the same channel.
type EventBus struct {
	rdb      *RedisClient
	channel  string
	origin   string
	handlers map[EventType][]func(Event)
	mu       sync.RWMutex
	ctx      context.Context
}

func NewEventBus(ctx context.Context, rdb *RedisClient, channel string) *EventBus {
	return &EventBus{
		rdb:      rdb,
		channel:  channel,
		origin:   uuid.NewString(),
		handlers: make(map[EventType][]func(Event)),
		ctx:      ctx,
	}
}

func (eb *EventBus) On(t EventType, fn func(Event)) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], fn)
	eb.mu.Unlock()
}

// Emit delivers e to local handlers synchronously and publishes it for other sessions.
func (eb *EventBus) Emit(e Event) {
	e.Origin = eb.origin
	eb.dispatch(e)

	if eb.rdb == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := eb.rdb.Publish(eb.ctx, eb.channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("channel", eb.channel).Msg("failed to publish event")
	}
}

func (eb *EventBus) dispatch(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

// Start blocks, relaying remote events until the context is cancelled.
func (eb *EventBus) Start() {
	if eb.rdb == nil {
		<-eb.ctx.Done()
		return
	}
	log.Info().Str("channel", eb.channel).Msg("eventbus started")
	eb.listen()
}

func (eb *EventBus) listen() {
	for {
		if eb.ctx.Err() != nil {
			return
		}
		sub := eb.rdb.Subscribe(eb.ctx, eb.channel)
		eb.recv(sub.Channel())
		sub.Close()
	}
}

func (eb *EventBus) recv(msgs <-chan *redis.Message) {
	for {
		select {
		case <-eb.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var e Event
			if json.Unmarshal([]byte(msg.Payload), &e) != nil {
				continue
			}
			// Already dispatched locally in Emit.
			if e.Origin == eb.origin {
				continue
			}
			eb.dispatch(e)
		}
	}
}
