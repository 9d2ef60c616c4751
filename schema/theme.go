package schema

import "strings"

// DefaultTheme is the default terminal UI theme name.
const DefaultTheme ThemeName = "relay-green"

var themeNames = []ThemeName{
	"relay-green",
	"gruvbox",
	"nord",
}

// AvailableThemes returns the supported theme names.
func AvailableThemes() []ThemeName {
	out := make([]ThemeName, len(themeNames))
	copy(out, themeNames)
	return out
}

// NormalizeThemeName returns a canonical theme name if supported.
func NormalizeThemeName(name string) (ThemeName, bool) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	switch normalized {
	case "relay-green", "relay", "green":
		return "relay-green", true
	case "gruvbox":
		return "gruvbox", true
	case "nord":
		return "nord", true
	default:
		return "", false
	}
}
