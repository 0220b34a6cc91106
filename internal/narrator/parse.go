package narrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/models"
)

type rawWorld struct {
	Location              *string  `json:"location"`
	TimeOfDay             *string  `json:"timeOfDay"`
	ActiveThreats         []string `json:"activeThreats"`
	AvailableInteractions []string `json:"availableInteractions"`
}

type rawUpdate struct {
	PlayerID      *string   `json:"playerId"`
	Health        *float64  `json:"health"`
	Chakra        *float64  `json:"chakra"`
	Karma         *float64  `json:"karma"`
	Inventory     *[]string `json:"inventory"`
	StatusEffects *[]string `json:"statusEffects"`
}

type rawNarration struct {
	Narrative        *string     `json:"narrative"`
	WorldState       *rawWorld   `json:"worldState"`
	CharacterUpdates []rawUpdate `json:"characterUpdates"`
	SoundEffects     []string    `json:"soundEffects"`
}

// Parse validates a raw model reply. Anything that does not match the response schema is
// rejected with an error wrapping ErrGenerationFailed; fields are never trusted by presence.
func Parse(content string) (*Narration, error) {
	body := extractObject(content)
	if body == "" {
		return nil, fmt.Errorf("%w: response contains no JSON object", ErrGenerationFailed)
	}

	var raw rawNarration
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrGenerationFailed, err)
	}

	if raw.Narrative == nil || strings.TrimSpace(*raw.Narrative) == "" {
		return nil, fmt.Errorf("%w: missing narrative", ErrGenerationFailed)
	}
	if raw.WorldState == nil {
		return nil, fmt.Errorf("%w: missing worldState", ErrGenerationFailed)
	}
	if raw.WorldState.Location == nil || raw.WorldState.TimeOfDay == nil {
		return nil, fmt.Errorf("%w: worldState needs location and timeOfDay", ErrGenerationFailed)
	}

	// second pass keeps any world keys beyond the required ones
	var extra struct {
		WorldState models.WorldState `json:"worldState"`
	}
	if err := json.Unmarshal([]byte(body), &extra); err != nil {
		return nil, fmt.Errorf("%w: invalid worldState: %v", ErrGenerationFailed, err)
	}

	out := &Narration{
		Narrative: strings.TrimSpace(*raw.Narrative),
		World: models.WorldState{
			Location:              *raw.WorldState.Location,
			TimeOfDay:             *raw.WorldState.TimeOfDay,
			ActiveThreats:         raw.WorldState.ActiveThreats,
			AvailableInteractions: raw.WorldState.AvailableInteractions,
			Extra:                 extra.WorldState.Extra,
		}.Normalize(),
		Updates:      make([]models.CharacterUpdate, 0, len(raw.CharacterUpdates)),
		SoundEffects: raw.SoundEffects,
	}
	if out.SoundEffects == nil {
		out.SoundEffects = []string{}
	}

	for i, u := range raw.CharacterUpdates {
		cu, err := u.validate()
		if err != nil {
			return nil, fmt.Errorf("%w: characterUpdates[%d]: %v", ErrGenerationFailed, i, err)
		}
		out.Updates = append(out.Updates, cu)
	}
	return out, nil
}

func (u rawUpdate) validate() (models.CharacterUpdate, error) {
	if u.PlayerID == nil {
		return models.CharacterUpdate{}, fmt.Errorf("missing playerId")
	}
	id, err := uuid.Parse(*u.PlayerID)
	if err != nil {
		return models.CharacterUpdate{}, fmt.Errorf("bad playerId %q", *u.PlayerID)
	}
	for name, v := range map[string]*float64{"health": u.Health, "chakra": u.Chakra, "karma": u.Karma} {
		if v == nil {
			return models.CharacterUpdate{}, fmt.Errorf("missing %s", name)
		}
		if math.Abs(*v) > math.MaxInt32 {
			return models.CharacterUpdate{}, fmt.Errorf("%s out of range", name)
		}
	}
	if u.Inventory == nil || u.StatusEffects == nil {
		return models.CharacterUpdate{}, fmt.Errorf("inventory and statusEffects are required")
	}
	return models.CharacterUpdate{
		PlayerID:      id,
		Health:        int(math.Round(*u.Health)),
		Chakra:        int(math.Round(*u.Chakra)),
		Karma:         int(math.Round(*u.Karma)),
		Inventory:     orEmpty(*u.Inventory),
		StatusEffects: orEmpty(*u.StatusEffects),
	}, nil
}

// extractObject strips markdown fences and surrounding prose, returning the outermost {...}.
func extractObject(content string) string {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
