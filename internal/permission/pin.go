package permission

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters. Tuned for an interactive single-user PIN check, not
// a high-throughput password service: the PIN is short and the broker
// checks it at most once per ask.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	pinSaltLen    = 16
)

// HashPIN derives an argon2id hash for pin, returning base64-encoded hash
// and salt suitable for types.PinConfig.HashB64/SaltB64.
func HashPIN(pin string) (hashB64, saltB64 string, err error) {
	salt := make([]byte, pinSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("generate pin salt: %w", err)
	}
	hash := argon2.IDKey([]byte(pin), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return base64.StdEncoding.EncodeToString(hash), base64.StdEncoding.EncodeToString(salt), nil
}

// NewPINVerifier builds a PinVerifier that checks a submitted PIN against
// an argon2id hash/salt pair loaded from config. Returns a verifier that
// always rejects if hashB64/saltB64 fail to decode (a malformed config
// should never silently disable the PIN gate).
func NewPINVerifier(hashB64, saltB64 string) PinVerifier {
	salt, errSalt := base64.StdEncoding.DecodeString(saltB64)
	want, errHash := base64.StdEncoding.DecodeString(hashB64)
	if errSalt != nil || errHash != nil {
		return func(string) bool { return false }
	}

	return func(pin string) bool {
		got := argon2.IDKey([]byte(pin), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(want)))
		return subtle.ConstantTimeCompare(got, want) == 1
	}
}
