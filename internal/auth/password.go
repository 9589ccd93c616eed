package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters per current OWASP guidance.
const (
	argonIterations = 3
	argonMemoryKiB  = 64 * 1024
	argonLanes      = 1
	argonKeyLen     = 32
	argonSaltLen    = 16
)

// HashPassword derives an Argon2id hash and encodes it in PHC form:
// $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>. The parameters travel
// inside the string, so they can be raised later without invalidating
// stored hashes.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt,
		argonIterations, argonMemoryKiB, argonLanes, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemoryKiB, argonIterations, argonLanes,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword re-derives the hash with the parameters stored in the
// PHC string and compares in constant time.
func VerifyPassword(password, encodedHash string) (bool, error) {
	var (
		version            int
		memory, iterations uint32
		lanes              uint8
	)

	fields := strings.Split(encodedHash, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return false, fmt.Errorf("invalid password hash format")
	}
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("parsing hash version: %w", err)
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &memory, &iterations, &lanes); err != nil {
		return false, fmt.Errorf("parsing hash parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return false, fmt.Errorf("decoding salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil {
		return false, fmt.Errorf("decoding hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt,
		iterations, memory, lanes, uint32(len(want))) //nolint:gosec // G115: key length fits uint32

	return subtle.ConstantTimeCompare(want, got) == 1, nil
}
