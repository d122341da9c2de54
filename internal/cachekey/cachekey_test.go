package cachekey

import "testing"

func TestHashDeterministic(t *testing.T) {
	u := "https://h/v.mp4"
	a := Hash(u)
	b := Hash(u)
	if a != b {
		t.Fatalf("hash not deterministic: %q != %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%q)", len(a), a)
	}
}

func TestHashIsLowerHex(t *testing.T) {
	got := Hash("https://h/v.mp4")
	for _, r := range got {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			t.Fatalf("non lower-hex rune %q in digest %q", r, got)
		}
	}
}

func TestHashDiffersByURL(t *testing.T) {
	if Hash("https://h/a.mp4") == Hash("https://h/b.mp4") {
		t.Fatal("different URLs hashed to the same key")
	}
}
