package idgen

import (
	"testing"
	"time"
)

func TestGenerateIDIsStableForSameInputs(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	parts := []string{"10.0.0.1:51322", "conn"}

	a := GenerateID("conn", parts, ts, 8, 0)
	b := GenerateID("conn", parts, ts, 8, 0)

	if a != b {
		t.Fatalf("expected deterministic id, got %s and %s", a, b)
	}
	if len(a) != len("conn-")+8 {
		t.Fatalf("expected 8-char suffix, got %q", a)
	}
}

func TestGenerateIDNonceDisambiguates(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	parts := []string{"svc", "cluster"}

	a := GenerateID("inst", parts, ts, 6, 0)
	b := GenerateID("inst", parts, ts, 6, 1)

	if a == b {
		t.Fatalf("expected different ids for different nonces, got %s twice", a)
	}
}

func TestGenerateIDVariesLength(t *testing.T) {
	ts := time.Now()
	for _, length := range []int{3, 4, 5, 6, 7, 8} {
		id := GenerateID("x", []string{"a"}, ts, length, 0)
		if len(id) != len("x-")+length {
			t.Fatalf("length %d: got id %q with unexpected width", length, id)
		}
	}
}
