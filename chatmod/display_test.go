package chatmod

import (
	"sort"
	"strings"
	"testing"

	"pkt.systems/shellrelay/schema"
)

func TestShortIdentityBoundary(t *testing.T) {
	exact := schema.Identity(strings.Repeat("a", 18))
	if got := ShortIdentity(exact); got != string(exact) {
		t.Fatalf("expected 18-char identity verbatim, got %q", got)
	}
	long := schema.Identity("0123456789abcdef0123456789abcdef")
	got := ShortIdentity(long)
	if got != "0123456789..abcdef" {
		t.Fatalf("unexpected short identity: %q", got)
	}
	if len(got) != 18 {
		t.Fatalf("expected 18 chars, got %d (%q)", len(got), got)
	}
}

func TestDisplayName(t *testing.T) {
	named := User{Identity: "aa11", Name: "morgana"}
	if got := DisplayName(named); got != "morgana" {
		t.Fatalf("expected name, got %q", got)
	}
	anon := User{Identity: "aa11"}
	if got := DisplayName(anon); got != "aa11" {
		t.Fatalf("expected short identity, got %q", got)
	}
}

func TestSortUsersOnlineFirstThenName(t *testing.T) {
	users := []User{
		{Identity: "d4", Name: "Zeta", Online: false},
		{Identity: "c3", Name: "beta", Online: true},
		{Identity: "b2", Name: "Alpha", Online: true},
		{Identity: "a1", Name: "alpha-off", Online: false},
	}
	SortUsers(users)
	order := make([]string, 0, len(users))
	for _, user := range users {
		order = append(order, user.Name)
	}
	want := []string{"Alpha", "beta", "alpha-off", "Zeta"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order %v, want %v", order, want)
		}
	}
}

func TestMessageKeyOrderMatchesNumericOrder(t *testing.T) {
	keys := []string{MessageKey(10), MessageKey(2), MessageKey(1), MessageKey(100)}
	sort.Strings(keys)
	want := []string{MessageKey(1), MessageKey(2), MessageKey(10), MessageKey(100)}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key order %v, want %v", keys, want)
		}
	}
}
