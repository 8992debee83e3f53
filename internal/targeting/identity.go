package targeting

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"waagent/internal/domain"
)

var heroes = []string{
	"spider-man", "iron-man", "black-widow", "storm", "wolverine", "hulk",
	"thor", "batman", "wonder-woman", "flash", "aquaman", "cyclops",
	"daredevil", "black-panther", "green-lantern", "rogue", "vision",
	"falcon", "nightwing", "batgirl", "supergirl", "silver-surfer",
	"jean-grey", "beast", "gambit", "hawkeye", "ant-man", "wasp",
	"captain-marvel", "doctor-strange", "scarlet-witch", "cyborg",
}

// RandomHeroName returns a Title Case hero name.
func RandomHeroName() string {
	return TitleCase(heroes[rand.IntN(len(heroes))])
}

// TitleCase turns "my-project_name" into "My Project Name".
func TitleCase(s string) string {
	s = strings.NewReplacer("-", " ", "_", " ").Replace(s)
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

// NormalizeName trims name; ok is false when nothing is left.
func NormalizeName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	return name, name != ""
}

// NewIdentity builds the identity for an agent working in directory. An
// empty name picks a random hero.
func NewIdentity(directory, name string) domain.AgentIdentity {
	if n, ok := NormalizeName(name); ok {
		name = n
	} else {
		name = RandomHeroName()
	}
	return domain.AgentIdentity{
		Name:   name,
		Host:   hostname(),
		Folder: filepath.Base(directory),
	}
}

// DefaultName combines host, folder and a hero into a name that is likely to
// be unique among agents sharing a group.
func DefaultName(directory string) string {
	return TitleCase(hostname()) + " " + TitleCase(filepath.Base(directory)) + " " + RandomHeroName()
}

// IsAgentMessage reports whether text carries an agent identity prefix.
func IsAgentMessage(text string) bool {
	return strings.HasPrefix(text, "["+domain.AgentMarker)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}
