package session

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func TestSeenSetProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		keys := rapid.SliceOf(rapid.IntRange(0, 40)).Draw(t, "keys")

		s := newSeenSet(capacity)
		var window []string
		for _, k := range keys {
			key := fmt.Sprint(k)
			inWindow := false
			for _, w := range window {
				if w == key {
					inWindow = true
				}
			}
			if got := s.add(key); got == inWindow {
				t.Fatalf("add(%q) = %v with window %v", key, got, window)
			}
			if !inWindow {
				window = append(window, key)
				if len(window) > capacity {
					window = window[1:]
				}
			}
			if len(s.keys) > capacity {
				t.Fatalf("set grew to %d beyond capacity %d", len(s.keys), capacity)
			}
		}
	})
}

func TestSeenSetEmptyKeyAlwaysNew(t *testing.T) {
	s := newSeenSet(2)
	if !s.add("") || !s.add("") {
		t.Fatal("empty key reported as seen")
	}
	s.add("a")
	s.reset()
	if s.has("a") || !s.add("a") {
		t.Fatal("reset kept keys")
	}
}
