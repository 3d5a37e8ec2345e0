package policy

import (
	"slices"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, kinds := RedactPII(input)
	if !slices.Equal(kinds, []string{"email", "card", "phone"}) {
		t.Fatalf("kinds = %v, want [email card phone]", kinds)
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainSpeech(t *testing.T) {
	in := "What's the weather like in Lisbon tomorrow?"
	out, kinds := RedactPII(in)
	if out != in || len(kinds) != 0 {
		t.Fatalf("RedactPII(%q) = %q, %v", in, out, kinds)
	}
}
