package narrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jason-s-yu/yamato/internal/models"
)

// SystemPrompt sets the game-master persona and pins the response schema.
const SystemPrompt = `You are a master storyteller and dungeon master for a multiplayer text-based RPG set in fantasy medieval Japan.

Your role is to:
1. Continue the narrative based on player actions
2. Create immersive scenes with samurai, ninjas, spirits, and mythical creatures
3. Respond to each player's action in an engaging way
4. Introduce new challenges, encounters, or plot developments
5. Update character stats when appropriate (health, chakra, karma)
6. Keep the story moving forward while respecting player choices

Style guidelines:
- Write in vivid, cinematic prose
- Include Japanese cultural elements (honor, duty, spirits, temples, etc.)
- Create atmospheric descriptions of settings
- Make each player feel their actions matter
- Balance action with character development
- Use present tense, second person when addressing players

You must respond with valid JSON in this exact format:
{
  "narrative": "The main story continuation (2-4 paragraphs)",
  "worldState": {
    "location": "current location name",
    "timeOfDay": "time/weather",
    "activeThreats": ["any active dangers"],
    "availableInteractions": ["things players can interact with"]
  },
  "characterUpdates": [
    {
      "playerId": "player_uuid",
      "health": 100,
      "chakra": 50,
      "karma": 15,
      "inventory": ["item1", "item2"],
      "statusEffects": ["effect1"]
    }
  ],
  "soundEffects": ["effect1", "effect2"]
}

Every character update must repeat the player's full inventory and status effects, not only the changes.`

// BuildPrompt renders the round context as the user message.
func BuildPrompt(rc models.RoundContext) string {
	var b strings.Builder

	narrative := rc.Narrative
	if strings.TrimSpace(narrative) == "" {
		narrative = OpeningNarrative
	}
	world := rc.World.Normalize()
	if rc.World.IsZero() {
		world = DefaultWorld()
	}
	worldJSON, _ := json.MarshalIndent(world, "", "  ")

	fmt.Fprintf(&b, "# GAME STATE - ROUND %d\n\n", rc.Round)
	fmt.Fprintf(&b, "## Current Narrative:\n%s\n\n", narrative)
	fmt.Fprintf(&b, "## World State:\n%s\n\n", worldJSON)

	b.WriteString("## Player Characters:")
	for _, c := range rc.Characters {
		status := "Normal"
		if len(c.Sheet.StatusEffects) > 0 {
			status = strings.Join(c.Sheet.StatusEffects, ", ")
		}
		inventory := "empty"
		if len(c.Sheet.Inventory) > 0 {
			inventory = strings.Join(c.Sheet.Inventory, ", ")
		}
		fmt.Fprintf(&b, "\n- **%s** (%s) [playerId: %s]", c.PlayerName, c.ClassName, c.PlayerID)
		fmt.Fprintf(&b, "\n  - Health: %d/%d", c.Sheet.Health, c.Sheet.MaxHealth)
		fmt.Fprintf(&b, "\n  - Chakra: %d/%d", c.Sheet.Chakra, c.Sheet.MaxChakra)
		fmt.Fprintf(&b, "\n  - Karma: %d", c.Sheet.Karma)
		fmt.Fprintf(&b, "\n  - Inventory: %s", inventory)
		fmt.Fprintf(&b, "\n  - Status: %s", status)
	}

	b.WriteString("\n\n## Player Actions This Round:")
	if len(rc.Actions) == 0 {
		b.WriteString("\n- (no one acted this round)")
	}
	for _, a := range rc.Actions {
		fmt.Fprintf(&b, "\n- **%s** (%s): %q", a.PlayerName, a.ClassName, a.Text)
	}

	b.WriteString(`

As the master storyteller, continue the narrative by:
1. Describing the immediate consequences of each player's actions
2. Advancing the plot with new developments, encounters, or discoveries
3. Creating vivid scenes that immerse players in fantasy medieval Japan
4. Updating character stats if their actions warrant it (combat, magic use, discoveries, etc.)
5. Setting up the next phase of the adventure

Respond with valid JSON only.`)
	return b.String()
}
