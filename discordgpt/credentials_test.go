package discordgpt

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestHashPasswordAndVerify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		password string
	}{
		{"simple", "password123"},
		{"symbols", "C0mpl3x!P@ssw0rd"},
		{"unicode", "пароль123"},
		{"long", strings.Repeat("a", 1000)},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				hash, err := HashPassword(tc.password)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"), hash)

				valid, err := verifyPassword(hash, tc.password)
				require.NoError(t, err)
				assert.True(t, valid)

				valid, err = verifyPassword(hash, tc.password+"wrong")
				require.NoError(t, err)
				assert.False(t, valid)
			},
		)
	}
}

func TestVerifyPassword_KeepsStoredParams(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	original := adminPasswordParams
	t.Cleanup(func() { adminPasswordParams = original })
	adminPasswordParams.time = 3
	adminPasswordParams.keyLen = 64

	valid, err := verifyPassword(hash, "hunter2")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	invalidHashes := []string{
		"not a valid hash",
		"$argon2i$v=19$m=65536,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=16$m=65536,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=19$m=65536,t=1,p=4$invalidbase64!$invalidbase64",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=19$m=65536,t=0,p=4$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=19$m=65536,t=1,p=0$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=19$m=65536,t=1,p=4$c29tZXNhbHQ$",
	}

	for _, invalidHash := range invalidHashes {
		t.Run(
			invalidHash, func(t *testing.T) {
				valid, err := verifyPassword(invalidHash, "anypassword")
				assert.ErrorIs(t, err, errInvalidPasswordHash)
				assert.False(t, valid)
			},
		)
	}
}

func TestHashPassword_Salted(t *testing.T) {
	hash1, err := HashPassword("samepassword")
	require.NoError(t, err)
	hash2, err := HashPassword("samepassword")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)
}

func TestRandomHex(t *testing.T) {
	s, err := randomHex(16)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	other, err := randomHex(16)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestSessionKey(t *testing.T) {
	key := sessionKey("secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, sessionKey("secret"))
	assert.NotEqual(t, key, sessionKey("other"))
}
