package discordgpt

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"golang.org/x/crypto/argon2"
	"strings"
)

const argon2SaltLen = 16

var errInvalidPasswordHash = errors.New("invalid password hash")

// argon2Params are the argon2id cost settings. Stored hashes carry their
// own params, so changing adminPasswordParams doesn't lock anyone out.
type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

var adminPasswordParams = argon2Params{
	memory:  64 * 1024,
	time:    1,
	threads: 4,
	keyLen:  32,
}

func (p argon2Params) key(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
}

// HashPassword hashes an admin password with argon2id, returning it in
// the usual encoded form: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("error generating salt: %w", err)
	}
	p := adminPasswordParams
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.memory,
		p.time,
		p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(p.key(password, salt)),
	), nil
}

func decodePasswordHash(encoded string) (p argon2Params, salt []byte, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, errInvalidPasswordHash
	}

	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: unsupported version %q", errInvalidPasswordHash, parts[2])
	}
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %q", errInvalidPasswordHash, parts[3])
	}
	// argon2.IDKey panics on these
	if p.time < 1 || p.threads < 1 {
		return p, nil, nil, fmt.Errorf("%w: %q", errInvalidPasswordHash, parts[3])
	}

	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad salt", errInvalidPasswordHash)
	}
	if key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(key) == 0 {
		return p, nil, nil, fmt.Errorf("%w: bad key", errInvalidPasswordHash)
	}
	p.keyLen = uint32(len(key))
	return p, salt, key, nil
}

// verifyPassword checks a login attempt against a hash from HashPassword
func verifyPassword(encoded string, password string) (bool, error) {
	p, salt, key, err := decodePasswordHash(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(key, p.key(password, salt)) == 1, nil
}

// sessionKey stretches api.secret into the 64-byte key that signs
// admin session cookies
func sessionKey(secret string) []byte {
	sum := sha512.Sum512([]byte(secret))
	return sum[:]
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
