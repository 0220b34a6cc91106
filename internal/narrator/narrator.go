// internal/narrator/narrator.go
package narrator

import (
	"context"
	"errors"

	"github.com/jason-s-yu/yamato/internal/models"
)

// ErrGenerationFailed wraps every way a narrator call can fail: transport, timeout, empty or
// non-conforming output.
var ErrGenerationFailed = errors.New("narrative generation failed")

const (
	// WelcomeNarrative is stored on a lobby's game state when it is created.
	WelcomeNarrative = "Welcome to the mystical realm of Yamato. Your adventure begins now..."
	// OpeningNarrative stands in for an empty prior narrative in the prompt.
	OpeningNarrative = "You find yourselves in the ancient realm of Yamato, where cherry blossoms dance on the wind and spirits roam the misty mountains..."
	// FallbackNarrative replaces the narrator's output when it fails.
	FallbackNarrative = "The winds of fate swirl around you as your actions echo through the realm. The spirits watch your every move, and destiny calls you forward into the unknown depths of Yamato..."
)

// Generator produces the next story beat for a round.
type Generator interface {
	Generate(ctx context.Context, rc models.RoundContext) (*Narration, error)
}

// Narration is a validated narrator response.
type Narration struct {
	Narrative    string                   `json:"narrative"`
	World        models.WorldState        `json:"worldState"`
	Updates      []models.CharacterUpdate `json:"characterUpdates"`
	SoundEffects []string                 `json:"soundEffects"`
}

// DefaultWorld is the scene used when nothing better is known.
func DefaultWorld() models.WorldState {
	return models.WorldState{
		Location:              "Unknown Realm",
		TimeOfDay:             "twilight",
		ActiveThreats:         []string{},
		AvailableInteractions: []string{"explore surroundings", "meditate", "investigate"},
	}
}

// Fallback is the payload committed when the narrator fails. The world is carried over and no
// character changes.
func Fallback(rc models.RoundContext) *Narration {
	world := rc.World.Normalize()
	if rc.World.IsZero() {
		world = DefaultWorld()
	}
	return &Narration{
		Narrative:    FallbackNarrative,
		World:        world,
		Updates:      []models.CharacterUpdate{},
		SoundEffects: []string{"wind", "mystical"},
	}
}
