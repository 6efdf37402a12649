package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argonParams are the Argon2id cost settings recorded with every hash.
type argonParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
	keyLen  uint32
}

// currentParams hash new principal keys. Stored hashes keep the parameters
// they were made with, so raising these does not lock anyone out.
var currentParams = argonParams{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32}

const saltLen = 16

var b64 = base64.RawStdEncoding

// HashAPIKey hashes a principal's API key with Argon2id and encodes it in
// PHC string format: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := currentParams
	key := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// DummyVerify spends the same Argon2id work as a real verification. Call it
// when the principal does not exist so timing does not reveal that.
func DummyVerify() {
	p := currentParams
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), p.time, p.memory, p.threads, p.keyLen)
}

// VerifyAPIKey checks apiKey against a hash produced by HashAPIKey, using
// the parameters recorded in the hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, fmt.Errorf("auth: unsupported argon2 version %q", parts[2])
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, fmt.Errorf("auth: invalid hash parameters: %w", err)
	}
	if p.time == 0 || p.memory == 0 || p.threads == 0 {
		return p, nil, nil, fmt.Errorf("auth: invalid hash parameters %q", parts[3])
	}
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	if len(key) == 0 {
		return p, nil, nil, fmt.Errorf("auth: empty hash")
	}
	p.keyLen = uint32(len(key))
	return p, salt, key, nil
}
