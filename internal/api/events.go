package api

import (
	"time"

	"layengine/internal/engine"
)

// Event is the wrapper for everything pushed over the /ws channel.
type Event struct {
	Type      string      `json:"type"` // "state"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewStateEvent wraps a state snapshot for broadcast (spec §6 "live
// state view").
func NewStateEvent(snap engine.StateSnapshot) Event {
	return Event{Type: "state", Timestamp: time.Now().UTC(), Data: snap}
}
