package events

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/stream"
)

type consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
}

// busEvent is the backend's wire shape on the change topic.
type busEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Pump relays backend change events onto the in-process hub so webhook
// subscribers see backend-originated changes, not just ones made
// through this gateway.
type Pump struct {
	Consumer consumer
	Hub      *stream.Hub
}

func (p *Pump) Run(ctx context.Context) {
	for {
		msg, err := p.Consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("events: read: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var evt busEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("events: malformed message dropped: %v", err)
			continue
		}
		if strings.TrimSpace(evt.Type) == "" {
			continue
		}
		p.Hub.Publish(stream.Event{
			Type: evt.Type,
			At:   time.Now().UTC().Format(time.RFC3339Nano),
			Data: evt.Data,
		})
	}
}
