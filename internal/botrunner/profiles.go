package botrunner

import (
	"fmt"
	"math/rand"
)

// fantasyNames is the pool bot names are drawn from at startup.
var fantasyNames = []string{
	"Aelric",
	"Branna",
	"Cedric",
	"Darian",
	"Elowen",
	"Faelar",
	"Gareth",
	"Isolde",
	"Kael",
	"Lyria",
	"Morgana",
	"Nimue",
	"Orin",
	"Rowan",
	"Seraphina",
	"Thorin",
	"Valen",
	"Ysolda",
}

// professions are the fantasy trades a bot roleplays.
var professions = []string{
	"Mage",
	"Warrior",
	"Rogue",
	"Cleric",
	"Ranger",
	"Bard",
	"Paladin",
	"Druid",
	"Sorcerer",
	"Monk",
}

// Profile is one bot persona: a chat name plus the profession that colors its
// tone.
type Profile struct {
	Name       string
	Profession string
}

// GenerateProfiles draws count personas from the name pool. Names repeat with
// a numeric suffix once the pool is exhausted; professions are picked with
// replacement.
func GenerateProfiles(count int, rng *rand.Rand) []Profile {
	if count <= 0 {
		return nil
	}

	pool := make([]string, len(fantasyNames))
	copy(pool, fantasyNames)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	profiles := make([]Profile, 0, count)
	for i := 0; i < count; i++ {
		name := pool[i%len(pool)]
		if i >= len(pool) {
			name = fmt.Sprintf("%s-%d", name, i/len(pool)+1)
		}
		profiles = append(profiles, Profile{
			Name:       name,
			Profession: professions[rng.Intn(len(professions))],
		})
	}
	return profiles
}

// professionStyle maps a profession to the tone hint injected into the bot's
// roleplay prompt.
func professionStyle(profession string) string {
	switch profession {
	case "Mage":
		return "Curious, observant tone, with light nods to magic when it fits."
	case "Warrior":
		return "Direct, practical tone, never rude."
	case "Rogue":
		return "Sharp tone with the occasional dry joke."
	case "Cleric":
		return "Warm, calm tone, no sermons."
	case "Ranger":
		return "Practical tone, with trail and wilderness examples when they make sense."
	case "Bard":
		return "Sociable, creative tone, without overdoing the poetry."
	case "Paladin":
		return "Firm, dependable tone, no moralizing."
	case "Druid":
		return "Calm, balanced tone, with subtle nods to nature."
	case "Sorcerer":
		return "Confident, spontaneous tone with light energy."
	case "Monk":
		return "Focused, grounded tone, never stiff."
	default:
		return "Speak like a natural, direct and respectful person."
	}
}
