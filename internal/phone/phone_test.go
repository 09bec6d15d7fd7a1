package phone

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw, region, want string
	}{
		{"+15551234567", "", "+15551234567"},
		{"+1 555 123 4567", "US", "+15551234567"},
		{"client:alice", "US", "client:alice"},
		{"sip:agent@pbx.example.com", "", "sip:agent@pbx.example.com"},
	}
	for _, c := range cases {
		got, err := Normalize(c.raw, c.region)
		if err != nil {
			t.Fatalf("normalize %q: %v", c.raw, err)
		}
		if got != c.want {
			t.Fatalf("normalize %q: expected %q, got %q", c.raw, c.want, got)
		}
	}
}

func TestNormalize_Errors(t *testing.T) {
	if _, err := Normalize("  ", "US"); err != ErrEmptyHandle {
		t.Fatalf("expected ErrEmptyHandle, got %v", err)
	}
	if _, err := Normalize("not a number", ""); !errors.Is(err, ErrInvalidNumber) {
		t.Fatalf("expected ErrInvalidNumber, got %v", err)
	}
}

func TestDisplay_FallsBackToRaw(t *testing.T) {
	if got := Display("garbage", ""); got != "garbage" {
		t.Fatalf("expected raw fallback, got %q", got)
	}
	if got := Display("client:bob", "US"); got != "client:bob" {
		t.Fatalf("expected identity unchanged, got %q", got)
	}
}
