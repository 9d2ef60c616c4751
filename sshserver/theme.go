package sshserver

import (
	"strconv"

	"pkt.systems/shellrelay/schema"
)

type rgb struct {
	r int
	g int
	b int
}

type tuiTheme struct {
	Name             schema.ThemeName
	HeaderBG         rgb
	HeaderFG         rgb
	HeaderAccentBG   rgb
	HeaderAccentFG   rgb
	SelfNameFG       rgb
	PeerNameFG       rgb
	TimeFG           rgb
	SystemFG         rgb
	ErrorFG          rgb
	MetaFG           rgb
	StatusBG         rgb
	StatusFG         rgb
	PromptFG         rgb
	CodeFG           rgb
	HelpArgFG        rgb
	AboutLinkFG      rgb
	AboutCopyrightFG rgb
}

const (
	ansiReset  = "\x1b[0m"
	ansiBold   = "\x1b[1m"
	ansiDim    = "\x1b[2m"
	ansiItalic = "\x1b[3m"
	ansiStrike = "\x1b[9m"
)

var tuiThemes = map[schema.ThemeName]tuiTheme{
	"relay-green": {
		Name:             "relay-green",
		HeaderBG:         rgb{r: 8, g: 28, b: 12},
		HeaderFG:         rgb{r: 140, g: 230, b: 160},
		HeaderAccentBG:   rgb{r: 51, g: 255, b: 102},
		HeaderAccentFG:   rgb{r: 6, g: 20, b: 9},
		SelfNameFG:       rgb{r: 51, g: 255, b: 102},
		PeerNameFG:       rgb{r: 160, g: 255, b: 190},
		TimeFG:           rgb{r: 74, g: 138, b: 90},
		SystemFG:         rgb{r: 96, g: 160, b: 110},
		ErrorFG:          rgb{r: 255, g: 107, b: 107},
		MetaFG:           rgb{r: 120, g: 180, b: 135},
		StatusBG:         rgb{r: 8, g: 28, b: 12},
		StatusFG:         rgb{r: 140, g: 230, b: 160},
		PromptFG:         rgb{r: 51, g: 255, b: 102},
		CodeFG:           rgb{r: 192, g: 255, b: 210},
		HelpArgFG:        rgb{r: 120, g: 220, b: 150},
		AboutLinkFG:      rgb{r: 51, g: 255, b: 102},
		AboutCopyrightFG: rgb{r: 74, g: 138, b: 90},
	},
	"gruvbox": {
		Name:             "gruvbox",
		HeaderBG:         rgb{r: 60, g: 56, b: 54},
		HeaderFG:         rgb{r: 235, g: 219, b: 178},
		HeaderAccentBG:   rgb{r: 250, g: 189, b: 47},
		HeaderAccentFG:   rgb{r: 40, g: 40, b: 40},
		SelfNameFG:       rgb{r: 250, g: 189, b: 47},
		PeerNameFG:       rgb{r: 131, g: 165, b: 152},
		TimeFG:           rgb{r: 146, g: 131, b: 116},
		SystemFG:         rgb{r: 184, g: 187, b: 38},
		ErrorFG:          rgb{r: 251, g: 73, b: 52},
		MetaFG:           rgb{r: 146, g: 131, b: 116},
		StatusBG:         rgb{r: 60, g: 56, b: 54},
		StatusFG:         rgb{r: 235, g: 219, b: 178},
		PromptFG:         rgb{r: 255, g: 255, b: 255},
		CodeFG:           rgb{r: 250, g: 189, b: 47},
		HelpArgFG:        rgb{r: 131, g: 165, b: 152},
		AboutLinkFG:      rgb{r: 250, g: 189, b: 47},
		AboutCopyrightFG: rgb{r: 75, g: 110, b: 166},
	},
	"nord": {
		Name:             "nord",
		HeaderBG:         rgb{r: 59, g: 66, b: 82},
		HeaderFG:         rgb{r: 216, g: 222, b: 233},
		HeaderAccentBG:   rgb{r: 136, g: 192, b: 208},
		HeaderAccentFG:   rgb{r: 46, g: 52, b: 64},
		SelfNameFG:       rgb{r: 136, g: 192, b: 208},
		PeerNameFG:       rgb{r: 163, g: 190, b: 140},
		TimeFG:           rgb{r: 97, g: 110, b: 136},
		SystemFG:         rgb{r: 129, g: 161, b: 193},
		ErrorFG:          rgb{r: 191, g: 97, b: 106},
		MetaFG:           rgb{r: 97, g: 110, b: 136},
		StatusBG:         rgb{r: 59, g: 66, b: 82},
		StatusFG:         rgb{r: 216, g: 222, b: 233},
		PromptFG:         rgb{r: 236, g: 239, b: 244},
		CodeFG:           rgb{r: 235, g: 203, b: 139},
		HelpArgFG:        rgb{r: 143, g: 188, b: 187},
		AboutLinkFG:      rgb{r: 136, g: 192, b: 208},
		AboutCopyrightFG: rgb{r: 94, g: 129, b: 172},
	},
}

func themeForName(name schema.ThemeName) tuiTheme {
	if name == "" {
		name = schema.DefaultTheme
	}
	if theme, ok := tuiThemes[name]; ok {
		return theme
	}
	return tuiThemes[schema.DefaultTheme]
}

func ansiFgRGB(c rgb) string {
	return "\x1b[38;2;" + strconv.Itoa(c.r) + ";" + strconv.Itoa(c.g) + ";" + strconv.Itoa(c.b) + "m"
}

func ansiBgRGB(c rgb) string {
	return "\x1b[48;2;" + strconv.Itoa(c.r) + ";" + strconv.Itoa(c.g) + ";" + strconv.Itoa(c.b) + "m"
}
