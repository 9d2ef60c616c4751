package sshserver

import (
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"pkt.systems/shellrelay/chatmod"
	"pkt.systems/shellrelay/internal/markdown"
	"pkt.systems/shellrelay/schema"
)

type lineKind int

const (
	lineChat lineKind = iota
	lineSelf
	lineSystem
	lineError
	lineInfo
	lineHelp
	lineRule
	lineAboutVersion
	lineAboutCopyright
	lineAboutLink
)

// chatLine is one entry of the session transcript. when and name are only
// set for chat lines.
type chatLine struct {
	kind lineKind
	when time.Time
	name string
	text string
}

const presenceNameMax = 16

func renderPresenceBar(database schema.DatabaseName, users []chatmod.User, self schema.Identity, width int, theme tuiTheme) string {
	if width <= 0 {
		width = 80
	}
	barStyle := ansiBgRGB(theme.HeaderBG) + ansiFgRGB(theme.HeaderFG)
	labelStyle := ansiBgRGB(theme.HeaderAccentBG) + ansiFgRGB(theme.HeaderAccentFG) + ansiBold
	selfStyle := ansiBgRGB(theme.HeaderBG) + ansiFgRGB(theme.SelfNameFG) + ansiBold

	online := make([]chatmod.User, 0, len(users))
	for _, user := range users {
		if user.Online {
			online = append(online, user)
		}
	}

	label := " " + truncateName(string(database), 24) + " "
	var b strings.Builder
	b.WriteString(labelStyle)
	b.WriteString(label)
	b.WriteString(barStyle)
	used := utf8.RuneCountInString(label)

	markerReserve := 2 + len(strconv.Itoa(len(online)))
	shown := 0
	for i, user := range online {
		entry := " " + truncateName(chatmod.DisplayName(user), presenceNameMax)
		entryLen := utf8.RuneCountInString(entry)
		needed := used + entryLen
		if i < len(online)-1 {
			needed += markerReserve
		}
		if needed > width {
			break
		}
		if user.Identity == self {
			b.WriteString(selfStyle)
			b.WriteString(entry)
			b.WriteString(barStyle)
		} else {
			b.WriteString(entry)
		}
		used += entryLen
		shown++
	}
	if hidden := len(online) - shown; hidden > 0 {
		b.WriteString(ansiBold)
		b.WriteString(" +")
		b.WriteString(strconv.Itoa(hidden))
	}

	line := b.String()
	if visible := visibleWidth(line); visible < width {
		line += strings.Repeat(" ", width-visible)
	}
	line = trimANSIToWidth(line, width)
	return line + ansiReset
}

func renderStatusLine(left, right string, width int, theme tuiTheme) string {
	if width <= 0 {
		width = 80
	}
	style := ansiBgRGB(theme.StatusBG) + ansiFgRGB(theme.StatusFG)
	leftText := " " + sanitizeOutputLine(left)
	rightText := sanitizeOutputLine(right)
	if rightText != "" {
		rightText += " "
	}
	leftW := utf8.RuneCountInString(leftText)
	rightW := utf8.RuneCountInString(rightText)
	if rightW > width {
		rightText = trimToWidth(rightText, width)
		rightW = utf8.RuneCountInString(rightText)
	}
	if leftW+rightW > width {
		leftText = trimToWidth(leftText, width-rightW)
		leftW = utf8.RuneCountInString(leftText)
	}
	pad := width - leftW - rightW
	if pad < 0 {
		pad = 0
	}
	line := style + leftText + strings.Repeat(" ", pad) + rightText
	line = trimANSIToWidth(line, width)
	return line + ansiReset
}

func renderTranscriptLine(line chatLine, width int, theme tuiTheme) []string {
	if width <= 0 {
		return []string{""}
	}
	switch line.kind {
	case lineChat, lineSelf:
		return renderChatLine(line, width, theme)
	case lineSystem:
		return wrapStyledLines("-- "+line.text, width, ansiDim+ansiItalic+ansiFgRGB(theme.SystemFG))
	case lineError:
		return wrapStyledLines(line.text, width, ansiBold+ansiFgRGB(theme.ErrorFG))
	case lineInfo:
		return wrapStyledLines(line.text, width, ansiFgRGB(theme.MetaFG))
	case lineHelp:
		return renderMarkdownLines(line.text, width, markdownStyle{
			boldFG: &theme.AboutLinkFG,
			codeFG: &theme.HelpArgFG,
		})
	case lineRule:
		return []string{ansiDim + ansiItalic + ansiFgRGB(theme.MetaFG) + renderRuleLine(line.text, width) + ansiReset}
	case lineAboutVersion:
		return wrapStyledLines(line.text, width, ansiBold+ansiItalic)
	case lineAboutCopyright:
		return wrapStyledLines(line.text, width, ansiFgRGB(theme.AboutCopyrightFG))
	case lineAboutLink:
		return wrapStyledLines(line.text, width, ansiItalic+ansiFgRGB(theme.AboutLinkFG))
	default:
		return wrapPlainLines(line.text, width)
	}
}

// renderChatLine renders "HH:MM name: body" with the body wrapped under a
// hanging indent aligned past the name.
func renderChatLine(line chatLine, width int, theme tuiTheme) []string {
	nameFG := theme.PeerNameFG
	if line.kind == lineSelf {
		nameFG = theme.SelfNameFG
	}
	stamp := line.when.Format("15:04")
	name := truncateName(sanitizeOutputLine(line.name), 24)
	head := ansiDim + ansiFgRGB(theme.TimeFG) + stamp + ansiReset +
		" " + ansiBold + ansiFgRGB(nameFG) + name + ansiReset + ": "
	headWidth := utf8.RuneCountInString(stamp) + 1 + utf8.RuneCountInString(name) + 2
	bodyStyle := markdownStyle{codeFG: &theme.CodeFG}
	if headWidth >= width {
		lines := []string{trimANSIToWidth(head, width) + ansiReset}
		return append(lines, renderMarkdownLines(line.text, width, bodyStyle)...)
	}
	body := renderMarkdownLines(line.text, width-headWidth, bodyStyle)
	indent := strings.Repeat(" ", headWidth)
	out := make([]string, 0, len(body))
	for i, bodyLine := range body {
		if i == 0 {
			out = append(out, head+bodyLine)
			continue
		}
		out = append(out, indent+bodyLine)
	}
	return out
}

func renderRuleLine(label string, width int) string {
	if width <= 0 {
		return ""
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return strings.Repeat("─", width)
	}
	lead := "── " + label + " "
	leadRunes := []rune(lead)
	if len(leadRunes) >= width {
		return trimToWidth(lead, width)
	}
	return lead + strings.Repeat("─", width-len(leadRunes))
}

type markdownStyle struct {
	baseItalic bool
	baseBold   bool
	baseFG     *rgb
	boldFG     *rgb
	codeFG     *rgb
}

func renderMarkdownLine(text string, width int, style markdownStyle) string {
	if width <= 0 {
		return ""
	}
	sanitized := sanitizeOutputLine(text)
	spans := markdown.ParseInline(sanitized)
	if len(spans) == 0 {
		return ""
	}
	base := ""
	if style.baseItalic {
		base += ansiItalic
	}
	if style.baseBold {
		base += ansiBold
	}
	if style.baseFG != nil {
		base += ansiFgRGB(*style.baseFG)
	}
	var b strings.Builder
	for _, span := range spans {
		if span.Text == "" {
			continue
		}
		prefix := ansiReset + base
		if span.Code && style.codeFG != nil {
			prefix += ansiFgRGB(*style.codeFG)
		}
		if span.Bold {
			prefix += ansiBold
			if style.boldFG != nil {
				prefix += ansiFgRGB(*style.boldFG)
			}
		}
		if span.Italic {
			prefix += ansiItalic
		}
		if span.Strike {
			prefix += ansiStrike
		}
		b.WriteString(prefix)
		b.WriteString(span.Text)
	}
	out := b.String()
	if out == "" {
		return ""
	}
	out = trimANSIToWidth(out, width)
	return out + ansiReset
}

func renderMarkdownLines(text string, width int, style markdownStyle) []string {
	if width <= 0 {
		return []string{""}
	}
	sanitized := sanitizeOutputLine(text)
	spans := markdown.ParseInline(sanitized)
	if len(spans) == 0 {
		return []string{""}
	}
	base := ""
	if style.baseItalic {
		base += ansiItalic
	}
	if style.baseBold {
		base += ansiBold
	}
	if style.baseFG != nil {
		base += ansiFgRGB(*style.baseFG)
	}

	lines := make([]string, 0, 4)
	var b strings.Builder
	visible := 0
	currentStyle := ""
	suppressLeadingSpace := false

	styleForSpan := func(span markdown.Span) string {
		styleCode := base
		if span.Code && style.codeFG != nil {
			styleCode += ansiFgRGB(*style.codeFG)
		}
		if span.Bold {
			styleCode += ansiBold
			if style.boldFG != nil {
				styleCode += ansiFgRGB(*style.boldFG)
			}
		}
		if span.Italic {
			styleCode += ansiItalic
		}
		if span.Strike {
			styleCode += ansiStrike
		}
		return styleCode
	}

	applyStyle := func(styleCode string) {
		if styleCode == currentStyle && b.Len() > 0 {
			return
		}
		if styleCode == "" && b.Len() == 0 {
			currentStyle = ""
			return
		}
		b.WriteString(ansiReset)
		if styleCode != "" {
			b.WriteString(styleCode)
		}
		currentStyle = styleCode
	}

	flushLine := func(wrapped bool) {
		if b.Len() == 0 {
			return
		}
		b.WriteString(ansiReset)
		line := trimANSIToWidth(b.String(), width)
		lines = append(lines, line+ansiReset)
		b.Reset()
		visible = 0
		currentStyle = ""
		suppressLeadingSpace = wrapped
	}

	for _, span := range spans {
		if span.Text == "" {
			continue
		}
		styleCode := styleForSpan(span)
		tokens := tokenizeMarkdown(span)
		for _, token := range tokens {
			if token.text == "" {
				continue
			}
			if token.space {
				if visible == 0 && suppressLeadingSpace {
					continue
				}
				if visible+1 > width {
					flushLine(true)
					continue
				}
				applyStyle(styleCode)
				b.WriteString(" ")
				visible++
				suppressLeadingSpace = false
				continue
			}
			wordRunes := []rune(token.text)
			wordLen := len(wordRunes)
			if wordLen > width {
				if visible > 0 {
					flushLine(true)
				}
				for start := 0; start < wordLen; start += width {
					end := start + width
					if end > wordLen {
						end = wordLen
					}
					applyStyle(styleCode)
					b.WriteString(string(wordRunes[start:end]))
					visible += end - start
					if visible >= width {
						flushLine(true)
					}
				}
				continue
			}
			if visible+wordLen > width && visible > 0 {
				flushLine(true)
			}
			applyStyle(styleCode)
			b.WriteString(token.text)
			visible += wordLen
			suppressLeadingSpace = false
		}
	}
	flushLine(false)
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}

type markdownToken struct {
	text  string
	space bool
}

func tokenizeMarkdown(span markdown.Span) []markdownToken {
	if span.Text == "" {
		return nil
	}
	var tokens []markdownToken
	var buf strings.Builder
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		tokens = append(tokens, markdownToken{text: buf.String()})
		buf.Reset()
	}
	for _, r := range span.Text {
		if unicode.IsSpace(r) {
			flush()
			tokens = append(tokens, markdownToken{text: " ", space: true})
			continue
		}
		buf.WriteRune(r)
	}
	flush()
	return tokens
}

type textToken struct {
	text  string
	space bool
}

func tokenizeText(text string) []textToken {
	if text == "" {
		return nil
	}
	var tokens []textToken
	var buf strings.Builder
	inSpace := false
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		tokens = append(tokens, textToken{text: buf.String(), space: inSpace})
		buf.Reset()
	}
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !inSpace {
				flush()
				inSpace = true
			}
			buf.WriteRune(' ')
			continue
		}
		if inSpace {
			flush()
			inSpace = false
		}
		buf.WriteRune(r)
	}
	flush()
	return tokens
}

func wrapPlainLines(text string, width int) []string {
	if width <= 0 {
		return []string{""}
	}
	sanitized := sanitizeOutputLine(text)
	if sanitized == "" {
		return []string{""}
	}
	tokens := tokenizeText(sanitized)
	lines := make([]string, 0, 4)
	var b strings.Builder
	visible := 0
	suppressLeadingSpace := false
	flush := func(wrapped bool) {
		if b.Len() == 0 {
			return
		}
		lines = append(lines, trimToWidth(b.String(), width))
		b.Reset()
		visible = 0
		suppressLeadingSpace = wrapped
	}
	for _, token := range tokens {
		if token.text == "" {
			continue
		}
		if token.space {
			if visible == 0 && suppressLeadingSpace {
				continue
			}
			spaceLen := len([]rune(token.text))
			if spaceLen <= 0 {
				continue
			}
			if visible+spaceLen > width {
				flush(true)
				continue
			}
			b.WriteString(token.text)
			visible += spaceLen
			continue
		}
		wordRunes := []rune(token.text)
		wordLen := len(wordRunes)
		if wordLen > width {
			if visible > 0 {
				flush(true)
			}
			for start := 0; start < wordLen; start += width {
				end := start + width
				if end > wordLen {
					end = wordLen
				}
				b.WriteString(string(wordRunes[start:end]))
				visible += end - start
				if visible >= width {
					flush(true)
				}
			}
			continue
		}
		if visible+wordLen > width && visible > 0 {
			flush(true)
		}
		b.WriteString(token.text)
		visible += wordLen
		suppressLeadingSpace = false
	}
	flush(false)
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}

func wrapStyledLines(text string, width int, style string) []string {
	lines := wrapPlainLines(text, width)
	if len(lines) == 1 && lines[0] == "" {
		return lines
	}
	styled := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			styled = append(styled, line)
			continue
		}
		styled = append(styled, style+line+ansiReset)
	}
	return styled
}

func sanitizeOutputLine(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(text); {
		ch := text[i]
		if ch == 0x1b {
			i = skipEscape(text, i+1)
			continue
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		if r == utf8.RuneError && size == 1 {
			i++
			continue
		}
		if r == '\r' {
			i += size
			continue
		}
		if r == '\t' {
			b.WriteString("    ")
			i += size
			continue
		}
		if r < 0x20 || r == 0x7f {
			i += size
			continue
		}
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

func skipEscape(text string, i int) int {
	if i >= len(text) {
		return i
	}
	switch text[i] {
	case '[':
		return skipCSI(text, i+1)
	case ']':
		return skipOSC(text, i+1)
	default:
		if i < len(text) {
			return i + 1
		}
		return i
	}
}

func skipCSI(text string, i int) int {
	for i < len(text) {
		b := text[i]
		if b >= 0x40 && b <= 0x7e {
			return i + 1
		}
		i++
	}
	return i
}

func skipOSC(text string, i int) int {
	for i < len(text) {
		switch text[i] {
		case 0x07:
			return i + 1
		case 0x1b:
			if i+1 < len(text) && text[i+1] == '\\' {
				return i + 2
			}
		}
		i++
	}
	return i
}

func visibleWidth(text string) int {
	width := 0
	for i := 0; i < len(text); {
		if text[i] == 0x1b {
			i = skipEscape(text, i+1)
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		if size == 0 {
			break
		}
		i += size
		width++
	}
	return width
}

func trimANSIToWidth(text string, width int) string {
	if width <= 0 {
		return ""
	}
	var b strings.Builder
	visible := 0
	for i := 0; i < len(text); {
		if text[i] == 0x1b {
			start := i
			i = skipEscape(text, i+1)
			b.WriteString(text[start:i])
			continue
		}
		if visible >= width {
			break
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		if size == 0 {
			break
		}
		b.WriteRune(r)
		i += size
		visible++
	}
	return b.String()
}
