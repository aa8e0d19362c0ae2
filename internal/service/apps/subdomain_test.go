package apps

import (
	"strings"
	"testing"
)

func TestSubdomain(t *testing.T) {
	cases := map[string]string{
		"demo2":         "demo2",
		"My App":        "my-app",
		"  --Shop_v2!":  "shop-v2",
		"ünïcode":       "n-code",
		"***":           "",
		"Already-Valid": "already-valid",
	}
	for in, want := range cases {
		if got := Subdomain(in); got != want {
			t.Errorf("Subdomain(%q) = %q, want %q", in, got, want)
		}
	}
	long := Subdomain(strings.Repeat("a", 70))
	if len(long) != maxSubdomainLength {
		t.Fatalf("expected %d characters, got %d", maxSubdomainLength, len(long))
	}
}
