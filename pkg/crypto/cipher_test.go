package crypto

import (
	"errors"
	"testing"
)

func TestEnvSealerRoundTripWithSecret(t *testing.T) {
	sealer := NewEnvSealer("s3cret")
	payload, err := sealer.Seal(map[string]string{"API_KEY": "abc", "DEBUG": "1"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if payload[0] != formatSealed {
		t.Fatalf("expected sealed payload, got format %q", payload[0])
	}
	vars, err := sealer.Open(payload)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if vars["API_KEY"] != "abc" || vars["DEBUG"] != "1" {
		t.Fatalf("unexpected vars: %#v", vars)
	}

	if _, err := NewEnvSealer("other").Open(payload); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}
	if _, err := NewEnvSealer("").Open(payload); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestEnvSealerPlainPayloadReadableAfterKeyRotation(t *testing.T) {
	payload, err := NewEnvSealer("").Seal(map[string]string{"A": "1"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	vars, err := NewEnvSealer("later").Open(payload)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if vars["A"] != "1" {
		t.Fatalf("unexpected vars: %#v", vars)
	}
}

func TestEnvSealerOpenEmpty(t *testing.T) {
	vars, err := NewEnvSealer("x").Open(nil)
	if err != nil || len(vars) != 0 {
		t.Fatalf("expected empty map, got %#v, %v", vars, err)
	}
}
