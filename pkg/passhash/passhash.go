// Package passhash hashes and verifies passwords with argon2id, using the
// self-describing PHC string format so parameters and salt travel with the
// digest.
package passhash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/thomastaylor312/snas/pkg/models"
)

const (
	defaultMemory      = 64 * 1024
	defaultTime        = 3
	defaultParallelism = 2
	saltLength         = 16
	keyLength          = 32
)

var (
	// ErrMalformedHash means a stored hash string could not be parsed. This is
	// a system error, never an invalid-credentials condition.
	ErrMalformedHash = errors.New("malformed password hash")

	errUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
	errIncompatibleVersion  = errors.New("incompatible argon2 version")
)

// Hash derives an argon2id hash of the given password with a fresh random
// salt.
func Hash(password models.SecretString) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(password.RevealBytes(), salt, defaultTime, defaultMemory, defaultParallelism, keyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, defaultMemory, defaultTime, defaultParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether the password matches the encoded hash. The
// comparison is constant time. A false return with a nil error means the
// password is wrong; a non-nil error means the stored hash is unusable.
func Verify(encoded string, password models.SecretString) (bool, error) {
	salt, key, memory, time, parallelism, err := decode(encoded)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey(password.RevealBytes(), salt, time, memory, parallelism, uint32(len(key)))

	return subtle.ConstantTimeCompare(key, candidate) == 1, nil
}

func decode(encoded string) (salt, key []byte, memory, time uint32, parallelism uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	if parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, fmt.Errorf("%w: %s", errUnsupportedAlgorithm, parts[1])
	}

	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}

	if version != argon2.Version {
		return nil, nil, 0, 0, 0, fmt.Errorf("%w: %d", errIncompatibleVersion, version)
	}

	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &parallelism); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}

	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}

	return salt, key, memory, time, parallelism, nil
}
