package models

// CharacterClass is an entry of the fixed class catalog offered at join time.
type CharacterClass struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	BaseHealth  int    `json:"base_health"`
	BaseChakra  int    `json:"base_chakra"`
	BaseKarma   int    `json:"base_karma"`
	Sprite      string `json:"bufo_sprite"`
}

var classes = []CharacterClass{
	{1, "Shadow Ninja", "A master of stealth who strikes from the darkness.", 80, 70, 0, "bufo-ninja"},
	{2, "Ronin Samurai", "A masterless warrior bound only by a personal code.", 120, 30, 0, "bufo-samurai"},
	{3, "Shrine Mage", "A keeper of sacred rites who commands elemental chakra.", 70, 100, 10, "bufo-mage"},
	{4, "Mountain Monk", "A disciplined fighter who heals body and spirit.", 100, 60, 20, "bufo-monk"},
	{5, "Spirit Medium", "One who speaks with kami and the restless dead.", 60, 110, 15, "bufo-medium"},
	{6, "Demon Hunter", "A relentless tracker of oni and yokai.", 100, 50, -5, "bufo-hunter"},
}

// Classes returns the catalog in id order.
func Classes() []CharacterClass {
	out := make([]CharacterClass, len(classes))
	copy(out, classes)
	return out
}

// ClassByID looks up a catalog entry.
func ClassByID(id int) (CharacterClass, bool) {
	for _, c := range classes {
		if c.ID == id {
			return c, true
		}
	}
	return CharacterClass{}, false
}
