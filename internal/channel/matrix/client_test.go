package matrix

import (
	"strings"
	"testing"
	"unicode/utf8"

	"maunium.net/go/mautrix/id"
)

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short message: got %q", got)
	}
	if got := splitMessage("", 10); len(got) != 0 {
		t.Fatalf("empty message: got %q", got)
	}

	long := strings.Repeat("a", 25)
	got := splitMessage(long, 10)
	if len(got) != 3 || strings.Join(got, "") != long {
		t.Fatalf("long message: got %q", got)
	}
}

func TestSplitMessageRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 20) // two bytes each
	for _, chunk := range splitMessage(s, 7) {
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk %q is not valid UTF-8", chunk)
		}
		if len(chunk) > 7 {
			t.Fatalf("chunk %q longer than limit", chunk)
		}
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	s := "first line here\nsecond line"
	got := splitMessage(s, 20)
	if got[0] != "first line here\n" {
		t.Fatalf("first chunk = %q", got[0])
	}
}

func TestIsAllowed(t *testing.T) {
	if !isAllowed(nil, id.UserID("@anyone:example.com")) {
		t.Error("empty allow list should admit everyone")
	}
	allowed := []string{"@alice:example.com"}
	if !isAllowed(allowed, id.UserID("@alice:example.com")) {
		t.Error("listed user rejected")
	}
	if isAllowed(allowed, id.UserID("@mallory:example.com")) {
		t.Error("unlisted user admitted")
	}
}

func TestRoomStatePersists(t *testing.T) {
	dir := t.TempDir()

	c := New(Config{DataDir: dir})
	if got := c.ActiveThread("!room:example.com"); got != "" {
		t.Fatalf("fresh room has thread %q", got)
	}
	if err := c.SetActiveThread("!room:example.com", "thread-1"); err != nil {
		t.Fatal(err)
	}

	reopened := New(Config{DataDir: dir})
	if got := reopened.ActiveThread("!room:example.com"); got != "thread-1" {
		t.Fatalf("after reopen ActiveThread = %q, want thread-1", got)
	}

	if err := reopened.SetActiveThread("!room:example.com", ""); err != nil {
		t.Fatal(err)
	}
	if got := New(Config{DataDir: dir}).ActiveThread("!room:example.com"); got != "" {
		t.Fatalf("cleared room still has thread %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("a\nb", 10); got != "a b" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
}
