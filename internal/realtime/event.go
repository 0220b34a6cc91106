// internal/realtime/event.go
package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a server-to-client notification.
type EventType string

const (
	EventLobbyJoined     EventType = "lobby-joined"
	EventPlayerJoined    EventType = "player-joined"
	EventActionSubmitted EventType = "action-submitted"
	EventTurnEnded       EventType = "turn-ended"
	EventRoundProcessed  EventType = "round-processed"
	EventGameStarted     EventType = "game-started"
	EventError           EventType = "error"
)

// Event is the wire envelope delivered to every client of a lobby.
type Event struct {
	Type      EventType `json:"type"`
	LobbyID   uuid.UUID `json:"lobbyId"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp int64     `json:"ts"`
}

// NewEvent stamps an event with the current time in epoch millis.
func NewEvent(t EventType, lobbyID uuid.UUID, payload any) Event {
	return Event{Type: t, LobbyID: lobbyID, Payload: payload, Timestamp: time.Now().UnixMilli()}
}

// Notifier fans events out to a lobby. Delivery is best effort; Publish returns once the event
// has been handed to every locally attached client.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// NopNotifier discards everything.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) {}
