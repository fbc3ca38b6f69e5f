package tor

import (
	"crypto/ed25519"
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// OnionSuffix ends every onion hostname.
	OnionSuffix = ".onion"

	onionV3Version = 0x03
)

var (
	onionV3Pattern = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)
	checksumPrefix = []byte(".onion checksum")
)

// IsValidV3Address reports whether address is a v3 onion hostname whose
// embedded checksum and version byte are correct. Case is ignored.
func IsValidV3Address(address string) bool {
	address = strings.ToLower(address)
	if !onionV3Pattern.MatchString(address) {
		return false
	}

	decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(strings.TrimSuffix(address, OnionSuffix)))
	if err != nil || len(decoded) != ed25519.PublicKeySize+3 {
		return false
	}
	pubkey, checksum, version := decoded[:32], decoded[32:34], decoded[34]
	if version != onionV3Version {
		return false
	}
	want := v3Checksum(pubkey, version)
	return checksum[0] == want[0] && checksum[1] == want[1]
}

// V3Address derives the onion hostname of an ed25519 service key.
func V3Address(pubkey ed25519.PublicKey) (string, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key has %d bytes", ErrInvalidOnionAddress, len(pubkey))
	}
	data := make([]byte, 0, ed25519.PublicKeySize+3)
	data = append(data, pubkey...)
	data = append(data, v3Checksum(pubkey, onionV3Version)...)
	data = append(data, onionV3Version)
	return strings.ToLower(base32.StdEncoding.EncodeToString(data)) + OnionSuffix, nil
}

// v3Checksum is SHA3-256(".onion checksum" | pubkey | version)[:2].
func v3Checksum(pubkey []byte, version byte) []byte {
	data := make([]byte, 0, len(checksumPrefix)+len(pubkey)+1)
	data = append(data, checksumPrefix...)
	data = append(data, pubkey...)
	data = append(data, version)
	sum := sha3.Sum256(data)
	return sum[:2]
}
