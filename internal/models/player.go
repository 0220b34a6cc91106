// internal/models/player.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Player is a member of exactly one lobby.
type Player struct {
	ID         uuid.UUID `json:"id"`
	LobbyID    uuid.UUID `json:"lobby_id"`
	Name       string    `json:"player_name"`
	ClassID    int       `json:"character_class_id"`
	TurnEnded  bool      `json:"turn_ended"`
	JoinedAt   time.Time `json:"joined_at"`
	Connection string    `json:"-"`

	Sheet CharacterSheet `json:"character_sheet"`
}

// ClassName resolves the player's class from the catalog, or "Wanderer" if the id is unknown.
func (p *Player) ClassName() string {
	if c, ok := ClassByID(p.ClassID); ok {
		return c.Name
	}
	return "Wanderer"
}

// CharacterSheet holds the mutable stats owned by a Player.
type CharacterSheet struct {
	Health        int      `json:"health"`
	MaxHealth     int      `json:"max_health"`
	Chakra        int      `json:"chakra"`
	MaxChakra     int      `json:"max_chakra"`
	Karma         int      `json:"karma"`
	Inventory     []string `json:"inventory"`
	StatusEffects []string `json:"status_effects"`
}

// NewSheet builds the starting sheet for a class: full pools, class karma, nothing carried.
func NewSheet(c CharacterClass) CharacterSheet {
	return CharacterSheet{
		Health:        c.BaseHealth,
		MaxHealth:     c.BaseHealth,
		Chakra:        c.BaseChakra,
		MaxChakra:     c.BaseChakra,
		Karma:         c.BaseKarma,
		Inventory:     []string{},
		StatusEffects: []string{},
	}
}

// Stamina is derived from the two pools and never stored.
func (s CharacterSheet) Stamina() int {
	return (s.Health + s.Chakra) / 2
}

// MaxStamina is the stamina ceiling derived from the pool maximums.
func (s CharacterSheet) MaxStamina() int {
	return (s.MaxHealth + s.MaxChakra) / 2
}

// Apply replaces every mutable field with the values in u. Pools are clamped to [0, max]
// and nil lists become empty so no stat ever ends up undefined.
func (s CharacterSheet) Apply(u CharacterUpdate) CharacterSheet {
	s.Health = clamp(u.Health, 0, s.MaxHealth)
	s.Chakra = clamp(u.Chakra, 0, s.MaxChakra)
	s.Karma = u.Karma
	s.Inventory = orEmpty(u.Inventory)
	s.StatusEffects = orEmpty(u.StatusEffects)
	return s
}

// Clone returns a copy whose slices do not alias s.
func (s CharacterSheet) Clone() CharacterSheet {
	s.Inventory = append([]string{}, s.Inventory...)
	s.StatusEffects = append([]string{}, s.StatusEffects...)
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string{}, in...)
}

// PlayerView is a player as shown to clients, with class details and derived stats.
type PlayerView struct {
	Player
	ClassName  string `json:"class_name"`
	Sprite     string `json:"bufo_sprite"`
	Stamina    int    `json:"stamina"`
	MaxStamina int    `json:"max_stamina"`
}

// NewPlayerView decorates p for display.
func NewPlayerView(p Player) PlayerView {
	v := PlayerView{
		Player:     p,
		ClassName:  p.ClassName(),
		Stamina:    p.Sheet.Stamina(),
		MaxStamina: p.Sheet.MaxStamina(),
	}
	if c, ok := ClassByID(p.ClassID); ok {
		v.Sprite = c.Sprite
	}
	return v
}
