package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateDeviceKey returns a fresh 32-byte symmetric key, hex-encoded,
// used during the provisioning handshake (I2). Unlike the Ed25519
// identity keypair, this key never touches disk directly — the caller
// persists it via the device store alongside the rest of the device
// record.
func GenerateDeviceKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
