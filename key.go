// Package sitegateway provides shared types for the site gateway:
// cache resource keys and the error taxonomy used across adapters.
package sitegateway

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// KeySize is the size of a BLAKE3 resource key in bytes (256 bits).
const KeySize = 32

// Key identifies a cached resource. It is the BLAKE3 digest of the exact
// resource URL string; no normalization is applied, so URLs that differ only
// in query string produce distinct keys.
type Key [KeySize]byte

// ResourceKey computes the cache key for a resource URL.
func ResourceKey(url string) Key {
	return Key(blake3.Sum256([]byte(url)))
}

// String returns the hex-encoded representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for display.
func (k Key) ShortString() string {
	return hex.EncodeToString(k[:8])
}

// IsZero returns true if the key is all zeros (uninitialized).
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) != KeySize*2 {
		return fmt.Errorf("invalid key length: expected %d hex chars, got %d", KeySize*2, len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// ParseKey parses a hex-encoded resource key.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return Key{}, err
	}
	return k, nil
}
