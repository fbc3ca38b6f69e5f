package tor

import (
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
)

// zeroKeyAddress belongs to the all-zero public key.
const zeroKeyAddress = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaam2dqd.onion"

func TestIsValidV3Address(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		want    bool
	}{
		{name: "valid", address: zeroKeyAddress, want: true},
		{name: "upper case", address: strings.ToUpper(strings.TrimSuffix(zeroKeyAddress, OnionSuffix)) + OnionSuffix, want: true},
		{name: "v2 length", address: "facebookcorewwwi.onion", want: false},
		{name: "too long", address: strings.Repeat("a", 57) + OnionSuffix, want: false},
		{name: "no suffix", address: strings.TrimSuffix(zeroKeyAddress, OnionSuffix), want: false},
		{name: "bad checksum", address: strings.Repeat("a", 56) + OnionSuffix, want: false},
		{name: "empty", address: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := IsValidV3Address(tt.address); got != tt.want {
				t.Errorf("expected %v for %q, got %v", tt.want, tt.address, got)
			}
		})
	}
}

func TestV3Address(t *testing.T) {
	t.Parallel()

	t.Run("zero key", func(t *testing.T) {
		t.Parallel()

		got, err := V3Address(make(ed25519.PublicKey, ed25519.PublicKeySize))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != zeroKeyAddress {
			t.Errorf("expected %s, got %s", zeroKeyAddress, got)
		}
	})

	t.Run("generated key round trips", func(t *testing.T) {
		t.Parallel()

		pub, _, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		addr, err := V3Address(pub)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !IsValidV3Address(addr) {
			t.Errorf("expected %s to validate", addr)
		}
	})

	t.Run("wrong key size", func(t *testing.T) {
		t.Parallel()

		if _, err := V3Address(make(ed25519.PublicKey, 31)); !errors.Is(err, ErrInvalidOnionAddress) {
			t.Errorf("expected ErrInvalidOnionAddress, got %v", err)
		}
	})
}
