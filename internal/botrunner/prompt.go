package botrunner

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"pkt.systems/shellrelay/chatmod"
	"pkt.systems/shellrelay/schema"
)

const (
	// Chat history a bot keeps per conversation partner set.
	maxHistoryEntries = 12

	// Window of recent room messages injected as context.
	maxContextMessages   = 16
	maxContextMessageLen = 320

	// Hard caps on the reply that goes to the room.
	maxReplyChars = 220
	maxSentences  = 2
)

// baseSystemPrompt keeps the model in plain-chat register. Bots pass as
// regular users, so anything that smells like an assistant is banned here.
const baseSystemPrompt = "You are a real person in a casual chat room. " +
	"Reply naturally, short and direct, like everyday conversation. " +
	"Use at most 2 short sentences. " +
	"Match the tone of the conversation, without canned speeches or catchphrases. " +
	"Avoid opening every message with a greeting and avoid repeating the other person's name in every message. " +
	"Do not introduce yourself, do not post a message of the day and do not narrate. " +
	"Do not offer help out of nowhere; only help when asked directly. " +
	"Avoid excessive formality. " +
	"No theatrical, mystical or flowery language. " +
	"Never say you are an AI, a model or a virtual assistant. " +
	"Avoid repeating the user's question and avoid rehashing a topic without anything new."

// openingTopics seed spontaneous bot-to-bot chatter.
var openingTopics = []string{
	"tavern food",
	"rain over the realm",
	"quest rumors",
	"new gear",
	"traveling songs",
	"town gossip",
	"potion prices",
	"the funny thing that happened today",
}

func roleplaySystemPrompt(profile Profile) string {
	return fmt.Sprintf("Your name in this chat is %s and your fantasy profession is %s. %s "+
		"You are just another person in the chat, not a guide, tutor or attendant. "+
		"Bring that style in lightly, without playing a caricature. "+
		"Keep replies short and natural.",
		profile.Name, profile.Profession, professionStyle(profile.Profession))
}

// promptContext is the room state snapshot injected into a generation.
type promptContext struct {
	requesterIdentity schema.Identity
	requesterName     string
	onlineUsers       []string
	recentMessages    []string
}

// buildPromptContext condenses the cached users and messages into prompt
// lines. Only online senders make the recent window; a bot must not drift
// into conversations with people who already left.
func buildPromptContext(users []chatmod.User, messages []chatmod.Message, requester schema.Identity) promptContext {
	byIdentity := make(map[schema.Identity]chatmod.User, len(users))
	online := make(map[schema.Identity]bool, len(users))
	pc := promptContext{requesterIdentity: requester}
	for _, user := range users {
		byIdentity[user.Identity] = user
		if user.Online {
			online[user.Identity] = true
			pc.onlineUsers = append(pc.onlineUsers,
				fmt.Sprintf("%s (%s)", chatmod.DisplayName(user), chatmod.ShortIdentity(user.Identity)))
		}
	}

	pc.requesterName = chatmod.ShortIdentity(requester)
	if user, ok := byIdentity[requester]; ok {
		pc.requesterName = chatmod.DisplayName(user)
	}

	recent := make([]string, 0, maxContextMessages)
	for i := len(messages) - 1; i >= 0 && len(recent) < maxContextMessages; i-- {
		message := messages[i]
		if strings.TrimSpace(message.Text) == "" || !online[message.Sender] {
			continue
		}
		name := chatmod.ShortIdentity(message.Sender)
		if user, ok := byIdentity[message.Sender]; ok {
			name = chatmod.DisplayName(user)
		}
		text := truncateForContext(message.Text, maxContextMessageLen)
		if message.SentAt.IsZero() {
			recent = append(recent, fmt.Sprintf("%s: %s", name, text))
		} else {
			recent = append(recent, fmt.Sprintf("[%s] %s: %s", message.SentAt.Format(time.RFC3339), name, text))
		}
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	pc.recentMessages = recent
	return pc
}

func contextSystemPrompt(pc promptContext) string {
	onlineUsers := "none"
	if len(pc.onlineUsers) > 0 {
		onlineUsers = strings.Join(pc.onlineUsers, ", ")
	}
	recentMessages := "none"
	if len(pc.recentMessages) > 0 {
		recentMessages = strings.Join(pc.recentMessages, "\n")
	}
	return fmt.Sprintf("Current chat context:\n"+
		"- User talking to you: %s (%s)\n"+
		"- Online users: %s\n"+
		"- Latest chat messages (chronological):\n%s\n"+
		"Only engage with people who are online right now and do not start conversations with offline users.\n"+
		"Use this context to reply coherently.",
		pc.requesterName, pc.requesterIdentity, onlineUsers, recentMessages)
}

// openingPrompt is the instruction handed to a bot that starts spontaneous
// chatter. It is phrased as a task, not chat, so it never enters the room
// verbatim; the generated reply does.
func openingPrompt(targetName, topic string, withHumans bool) string {
	if withHumans {
		return fmt.Sprintf("Write ONE short, casual message to %s about %s. "+
			"Chat-between-friends tone, no formal greeting and no offers to help.",
			targetName, topic)
	}
	return fmt.Sprintf("Write ONE short message striking up a chat with %s about %s. "+
		"Just light banter between characters, no assistant talk.",
		targetName, topic)
}

// truncateForContext flattens newlines and caps the rune count before a
// message enters the prompt window.
func truncateForContext(text string, maxChars int) string {
	clean := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	runes := []rune(clean)
	if len(runes) <= maxChars {
		return clean
	}
	return string(runes[:maxChars]) + "..."
}

// normalizeReply compacts model output into something that fits a chat line:
// whitespace collapsed, at most two sentences, capped at maxReplyChars.
func normalizeReply(text string) string {
	compact := strings.Join(strings.Fields(text), " ")
	if compact == "" {
		return ""
	}

	end := len(compact)
	sentences := 0
	for i, r := range compact {
		if r == '.' || r == '!' || r == '?' {
			sentences++
			if sentences >= maxSentences {
				end = i + utf8.RuneLen(r)
				break
			}
		}
	}
	out := strings.TrimSpace(compact[:end])

	if utf8.RuneCountInString(out) > maxReplyChars {
		out = string([]rune(out)[:maxReplyChars])
		if !strings.HasSuffix(out, ".") && !strings.HasSuffix(out, "!") && !strings.HasSuffix(out, "?") {
			out += "..."
		}
	}
	if out == "" {
		runes := []rune(compact)
		if len(runes) > maxReplyChars {
			runes = runes[:maxReplyChars]
		}
		out = string(runes)
	}
	return out
}
