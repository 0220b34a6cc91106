// internal/models/game_state.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorldState is the structured scene description produced by the narrator each round.
type WorldState struct {
	Location              string   `json:"location"`
	TimeOfDay             string   `json:"timeOfDay"`
	ActiveThreats         []string `json:"activeThreats"`
	AvailableInteractions []string `json:"availableInteractions"`

	// Extra holds any other keys the narrator returned, kept verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

type worldFields WorldState

var worldKeys = []string{"location", "timeOfDay", "activeThreats", "availableInteractions"}

// MarshalJSON writes the known fields merged over Extra.
func (w WorldState) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(worldFields(w))
	if err != nil || len(w.Extra) == 0 {
		return base, err
	}
	merged := make(map[string]json.RawMessage, len(w.Extra)+len(worldKeys))
	for k, v := range w.Extra {
		merged[k] = v
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(base, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the known fields and collects every other key into Extra.
func (w *WorldState) UnmarshalJSON(data []byte) error {
	var f worldFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range worldKeys {
		delete(all, k)
	}
	f.Extra = nil
	if len(all) > 0 {
		f.Extra = all
	}
	*w = WorldState(f)
	return nil
}

// IsZero reports whether nothing has been set yet.
func (w WorldState) IsZero() bool {
	return w.Location == "" && w.TimeOfDay == "" && len(w.ActiveThreats) == 0 &&
		len(w.AvailableInteractions) == 0 && len(w.Extra) == 0
}

// Normalize replaces nil lists with empty ones.
func (w WorldState) Normalize() WorldState {
	w.ActiveThreats = orEmpty(w.ActiveThreats)
	w.AvailableInteractions = orEmpty(w.AvailableInteractions)
	return w
}

// GameState is owned 1:1 by a lobby and overwritten wholesale every round.
type GameState struct {
	LobbyID     uuid.UUID     `json:"lobby_id"`
	Narrative   string        `json:"current_narrative"`
	World       WorldState    `json:"world_state"`
	LastContext *RoundContext `json:"llm_context,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TurnAction is an append-only record of something a player did during a round.
type TurnAction struct {
	ID          uuid.UUID `json:"id"`
	LobbyID     uuid.UUID `json:"lobby_id"`
	PlayerID    uuid.UUID `json:"player_id"`
	PlayerName  string    `json:"player_name"`
	Round       int       `json:"round_number"`
	Text        string    `json:"action_text"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// RoundAction is one entry of the ordered action list handed to the narrator.
type RoundAction struct {
	PlayerID    uuid.UUID `json:"playerId"`
	PlayerName  string    `json:"playerName"`
	ClassName   string    `json:"className"`
	Text        string    `json:"action"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// RoundCharacter is a player's identity and stat snapshot at the start of processing.
type RoundCharacter struct {
	PlayerID   uuid.UUID      `json:"playerId"`
	PlayerName string         `json:"playerName"`
	ClassName  string         `json:"className"`
	Sheet      CharacterSheet `json:"sheet"`
}

// RoundContext is everything the narrator sees for one round. It is also kept on the
// game state for auditing.
type RoundContext struct {
	LobbyID    uuid.UUID        `json:"lobbyId"`
	Round      int              `json:"round"`
	Narrative  string           `json:"currentNarrative"`
	World      WorldState       `json:"worldState"`
	Actions    []RoundAction    `json:"playerActions"`
	Characters []RoundCharacter `json:"characters"`
}

// HasPlayer reports whether id was a member of the lobby when the snapshot was taken.
func (rc RoundContext) HasPlayer(id uuid.UUID) bool {
	for _, c := range rc.Characters {
		if c.PlayerID == id {
			return true
		}
	}
	return false
}

// RoundClaim grants exclusive ownership of one round transition. Token must match the
// lobby's processing token at commit time.
type RoundClaim struct {
	LobbyID   uuid.UUID
	Token     uuid.UUID
	Round     int
	ClaimedAt time.Time
	Context   RoundContext
}

// CharacterUpdate is a full replacement of a player's mutable stats.
type CharacterUpdate struct {
	PlayerID      uuid.UUID `json:"playerId"`
	Health        int       `json:"health"`
	Chakra        int       `json:"chakra"`
	Karma         int       `json:"karma"`
	Inventory     []string  `json:"inventory"`
	StatusEffects []string  `json:"statusEffects"`
}

// RoundOutcome is what a claimed round commits.
type RoundOutcome struct {
	Narrative string
	World     WorldState
	Updates   []CharacterUpdate
	Context   RoundContext
}
