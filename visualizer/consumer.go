package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	"github.com/nats-io/nats.go"
)

// Consumer turns bus messages into hub events and keeps per-event totals.
type Consumer struct {
	hub Broadcaster

	mu     sync.Mutex
	counts map[string]int64
}

func NewConsumer(hub Broadcaster) *Consumer {
	return &Consumer{hub: hub, counts: make(map[string]int64)}
}

func (c *Consumer) HandleMessage(msg *nats.Msg) {
	var payload interface{}
	var event flow.PipelineEvent
	switch {
	case json.Unmarshal(msg.Data, &event) == nil && event.Event != "":
		payload = event
		c.count(event.Event)
	case json.Unmarshal(msg.Data, &payload) == nil:
	default:
		payload = string(msg.Data)
	}

	c.hub.Broadcast(Event{
		Subject:   msg.Subject,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Consumer) count(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[event]++
}

// Counts returns a copy of the per-event totals.
func (c *Consumer) Counts() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
