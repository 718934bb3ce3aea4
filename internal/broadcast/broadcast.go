// Package broadcast provides publish-only fan-out of named events to named
// channels.
//
// Delivery is fire-and-forget: subscribers present at publish time receive
// the event, late subscribers see nothing. There is no replay, no backlog,
// and no wildcard matching; the channel namespace is a flat string space.
package broadcast

import (
	"encoding/json"
	"log"
	"sync"
)

// Channel and event names for the knowledge-index rebuild hook. The index
// build itself is external; only the completion notification flows here.
const (
	ChannelKnowledgeIndex      = "knowledge-index"
	EventKnowledgeIndexUpdated = "knowledge.index.updated"
)

// RoomChannel returns the channel carrying room-scoped events.
func RoomChannel(roomID string) string {
	return "room:" + roomID
}

// Event is one published notification as delivered to subscribers.
type Event struct {
	Channel string          `json:"channel"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type subscription struct {
	channel string
	deliver func(Event)
}

// Gateway fans published events out to current channel subscribers.
type Gateway struct {
	mu       sync.Mutex
	channels map[string]map[*subscription]struct{}
}

// NewGateway creates an empty gateway.
func NewGateway() *Gateway {
	return &Gateway{channels: make(map[string]map[*subscription]struct{})}
}

// Subscribe registers deliver on a channel and returns a cancel function.
// Cancel is idempotent and safe to call after the gateway is gone.
func (g *Gateway) Subscribe(channel string, deliver func(Event)) func() {
	if g == nil || deliver == nil || channel == "" {
		return func() {}
	}

	sub := &subscription{channel: channel, deliver: deliver}
	g.mu.Lock()
	subs, ok := g.channels[channel]
	if !ok {
		subs = make(map[*subscription]struct{})
		g.channels[channel] = subs
	}
	subs[sub] = struct{}{}
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if subs, ok := g.channels[channel]; ok {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(g.channels, channel)
				}
			}
			g.mu.Unlock()
		})
	}
}

// SubscriberCount reports the current number of subscribers on a channel.
func (g *Gateway) SubscriberCount(channel string) int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.channels[channel])
}

// Publish marshals payload and delivers the event to every current
// subscriber of the channel. Subscribers not connected at publish time are
// never delivered to; there is no backlog.
func (g *Gateway) Publish(channel string, event string, payload any) {
	if g == nil || channel == "" || event == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("broadcast: marshal %s payload on %s: %v", event, channel, err)
		return
	}

	g.mu.Lock()
	targets := make([]*subscription, 0, len(g.channels[channel]))
	for sub := range g.channels[channel] {
		targets = append(targets, sub)
	}
	g.mu.Unlock()

	evt := Event{Channel: channel, Name: event, Payload: body}
	for _, sub := range targets {
		sub.deliver(evt)
	}
}
