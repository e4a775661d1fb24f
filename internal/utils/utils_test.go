package utils

import (
	"path/filepath"
	"testing"
)

func TestStableID(t *testing.T) {
	id := StableID("a.jpg")
	if len(id) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(id))
	}

	// Verify Determinism
	if id2 := StableID("a.jpg"); id != id2 {
		t.Errorf("StableID is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity
	if StableID("b.jpg") == id {
		t.Error("different keys produced the same id")
	}
}

func TestIsImageKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"shoes/a.jpg", true},
		{"b.JPEG", true},
		{"c.png", true},
		{"d.gif", true},
		{"notes.txt", false},
		{"folder/", false},
		{"noext", false},
	}

	for _, tt := range tests {
		if got := IsImageKey(tt.key); got != tt.want {
			t.Errorf("IsImageKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	got, err := SafeJoin(root, "shoes/a.jpg")
	if err != nil {
		t.Fatalf("SafeJoin() error = %v", err)
	}
	if want := filepath.Join(root, "shoes", "a.jpg"); got != want {
		t.Errorf("SafeJoin() = %s, want %s", got, want)
	}

	for _, bad := range []string{"../etc/passwd", "a/../../b", ".."} {
		if _, err := SafeJoin(root, bad); err == nil {
			t.Errorf("SafeJoin(%q) expected traversal error", bad)
		}
	}
}
