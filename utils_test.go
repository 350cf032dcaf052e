package http2

import "testing"

func TestB2SRoundTrip(t *testing.T) {
	want := "8971293nfasv7asnrnqw9bma 237urkf8KifgiMKFG98UIM8fgnb kifgnrA7JKLK"
	b := []byte(want)

	if got := b2s(b); got != want {
		t.Fatalf("b2s: got %q, want %q", got, want)
	}

	if got := string(s2b(want)); got != want {
		t.Fatalf("s2b: got %q, want %q", got, want)
	}
}
