package decode

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// defaultChannelKey is the published PSK of the default Meshtastic channel.
var defaultChannelKey = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// indexedDefaultKeys maps the single-byte PSK shorthand to a full key.
// Firmware encodes "default key N" as a one-byte value.
var indexedDefaultKeys = map[byte][]byte{
	0: defaultChannelKey,
	1: defaultChannelKey,
}

// DeriveChannelKey turns a base64-encoded channel PSK into an AES key.
//
// The PSK grammar follows the firmware: empty means the default channel key,
// a single byte selects an indexed default, 16 or 32 bytes are used directly
// as AES-128/AES-256 keys, and anything else is hashed down to 16 bytes.
// A string that does not decode as base64 is also hashed, so a misconfigured
// key degrades to a stable (if useless) key rather than a startup failure.
func DeriveChannelKey(psk string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(psk)
	if err != nil {
		sum := sha256.Sum256([]byte(psk))
		return sum[:16], nil
	}
	switch len(raw) {
	case 0:
		return defaultChannelKey, nil
	case 1:
		if key, ok := indexedDefaultKeys[raw[0]]; ok {
			return key, nil
		}
		return defaultChannelKey, nil
	case 16, 32:
		return raw, nil
	default:
		sum := sha256.Sum256(raw)
		return sum[:16], nil
	}
}

// ValidateChannelKey rejects key lengths AES cannot use. Kept separate from
// DeriveChannelKey so startup can fail fast on an impossible configuration.
func ValidateChannelKey(key []byte) error {
	switch len(key) {
	case 16, 32:
		return nil
	default:
		return fmt.Errorf("channel key must be 16 or 32 bytes, got %d", len(key))
	}
}
