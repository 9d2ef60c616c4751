package chatmod

import (
	"encoding/json"
	"sort"
	"strings"

	"pkt.systems/shellrelay/schema"
)

// ShortIdentity abbreviates a hex identity for display. Identities up to 18
// characters render verbatim; longer ones keep the first 10 and last 6
// characters around "..".
func ShortIdentity(identity schema.Identity) string {
	return identity.Short()
}

// DisplayName returns the user's chosen name, or the shortened identity when
// no name is set.
func DisplayName(user User) string {
	if strings.TrimSpace(user.Name) != "" {
		return user.Name
	}
	return ShortIdentity(user.Identity)
}

// SortUsers orders users for presence listings: online before offline, then
// case-insensitive display name, then identity as a tiebreak.
func SortUsers(users []User) {
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].Online != users[j].Online {
			return users[i].Online
		}
		ni := strings.ToLower(DisplayName(users[i]))
		nj := strings.ToLower(DisplayName(users[j]))
		if ni != nj {
			return ni < nj
		}
		return users[i].Identity < users[j].Identity
	})
}

// DecodeUsers unmarshals raw user rows, dropping any that fail to decode.
func DecodeUsers(rows []json.RawMessage) []User {
	users := make([]User, 0, len(rows))
	for _, raw := range rows {
		var user User
		if err := json.Unmarshal(raw, &user); err != nil {
			continue
		}
		users = append(users, user)
	}
	return users
}

// DecodeMessages unmarshals raw message rows, dropping any that fail to
// decode. Rows arrive in key order, which matches id order.
func DecodeMessages(rows []json.RawMessage) []Message {
	messages := make([]Message, 0, len(rows))
	for _, raw := range rows {
		var message Message
		if err := json.Unmarshal(raw, &message); err != nil {
			continue
		}
		messages = append(messages, message)
	}
	return messages
}

// SortMessages orders messages by id, the order they were committed.
func SortMessages(messages []Message) {
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].ID < messages[j].ID
	})
}

// UsersFromCache decodes and sorts a client table cache's user rows. Cache
// row order is unspecified, so sorting here is not optional.
func UsersFromCache(rows []json.RawMessage) []User {
	users := DecodeUsers(rows)
	SortUsers(users)
	return users
}

// MessagesFromCache decodes and sorts a client table cache's message rows.
func MessagesFromCache(rows []json.RawMessage) []Message {
	messages := DecodeMessages(rows)
	SortMessages(messages)
	return messages
}
