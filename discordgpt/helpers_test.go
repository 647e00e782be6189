package discordgpt

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestLogPreview(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{
			name:     "shorter than limit",
			input:    "hello there",
			limit:    20,
			expected: "hello there",
		},
		{
			name:     "exactly the limit",
			input:    "twelve chars",
			limit:    12,
			expected: "twelve chars",
		},
		{
			name:     "cut off",
			input:    "what is the airspeed of an unladen swallow",
			limit:    11,
			expected: "what is the…",
		},
		{
			name:     "counts runes",
			input:    "日本語のテキスト",
			limit:    3,
			expected: "日本語…",
		},
		{
			name:     "empty",
			input:    "",
			limit:    5,
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, logPreview(tc.input, tc.limit))
			},
		)
	}
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "0 seconds", formatElapsed(300*time.Millisecond))
	assert.Equal(t, "42 seconds", formatElapsed(42*time.Second))
	assert.Equal(t, "1 minutes and 0 seconds", formatElapsed(time.Minute))
	assert.Equal(t, "2 minutes and 5 seconds", formatElapsed(2*time.Minute+5*time.Second))
}

func TestAdminTLSConfig(t *testing.T) {
	cfg, err := adminTLSConfig(SSLConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg, "no cert means plain HTTP")

	_, err = adminTLSConfig(SSLConfig{Cert: "/etc/ssl/cert.pem"})
	assert.ErrorContains(t, err, "must be set together")

	_, err = adminTLSConfig(
		SSLConfig{Cert: "/does/not/exist.pem", Key: "/does/not/exist.key"},
	)
	assert.Error(t, err)
}

func TestCommandOptions(t *testing.T) {
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: "chat",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "prompt", Type: discordgo.ApplicationCommandOptionString, Value: "hi"},
				},
			},
		},
	}
	opts := commandOptions(i)
	require.Contains(t, opts, "prompt")
	assert.Equal(t, "hi", opts["prompt"].StringValue())
	assert.NotContains(t, opts, "stream")
}

// gormDB returns a migrated sqlite database in a temporary directory
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbfile := filepath.Join(t.TempDir(), "test.sqlite3")

	db, err := CreateDB(context.Background(), dbTypeSQLite, dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// testDB returns gormDB wrapped as a DBI
func testDB(t testing.TB) DBI {
	t.Helper()
	return NewDatabase(gormDB(t), slog.Default().With("test", t.Name()), false)
}
