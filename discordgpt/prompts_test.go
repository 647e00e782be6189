package discordgpt

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writePromptsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultPromptLibrary_Resolve(t *testing.T) {
	lib := DefaultPromptLibrary()

	tests := []struct {
		name    string
		value   string
		persona string
		wantErr error
		want    []string
	}{
		{
			name:  "no persona needed",
			value: "jb",
			want:  []string{"blunt, opinionated"},
		},
		{
			name:    "persona ignored when not needed",
			value:   "jb",
			persona: "Baine Bloodhoof",
			want:    []string{"blunt, opinionated"},
		},
		{
			name:    "persona missing",
			value:   "uwu",
			wantErr: errPersonaRequired,
		},
		{
			name:    "persona blank",
			value:   "uwu",
			persona: "   ",
			wantErr: errPersonaRequired,
		},
		{
			name:    "persona not a full name",
			value:   "uwu",
			persona: "Baine",
			wantErr: errPersonaFullNameRequired,
		},
		{
			name:    "persona substituted",
			value:   "uwu",
			persona: "  Baine Bloodhoof ",
			want: []string{
				"You are Baine Bloodhoof.",
				"in character as Baine Bloodhoof for",
				"refer to yourself as Baine.",
			},
		},
		{
			name:    "unknown",
			value:   "nope",
			wantErr: errUnknownPreset,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				prompt, err := lib.Resolve(tc.value, tc.persona)
				if tc.wantErr != nil {
					assert.ErrorIs(t, err, tc.wantErr)
					assert.Empty(t, prompt)
					return
				}
				require.NoError(t, err)
				for _, s := range tc.want {
					assert.Contains(t, prompt, s)
				}
				assert.NotContains(t, prompt, "{")
			},
		)
	}
}

func TestLoadPromptLibrary(t *testing.T) {
	path := writePromptsFile(
		t, `
presets:
  - value: pirate
    name: Pirate
    prompt: Talk like a pirate.
  - value: knight
    prompt: "You are {FULL_NAME}, a knight. Sign off as Sir {FIRST_NAME}."
    requires_persona: true
`,
	)

	lib, err := LoadPromptLibrary(path)
	require.NoError(t, err)

	presets := lib.Presets()
	require.Len(t, presets, 2)
	assert.Equal(t, "Pirate", presets[0].Name)
	assert.Equal(t, "knight", presets[1].Name, "name defaults to the value")
	assert.True(t, presets[1].RequiresPersona)

	prompt, err := lib.Resolve("knight", "Jaina Proudmoore")
	require.NoError(t, err)
	assert.Equal(t, "You are Jaina Proudmoore, a knight. Sign off as Sir Jaina.", prompt)

	_, err = lib.Resolve("uwu", "Jaina Proudmoore")
	assert.ErrorIs(t, err, errUnknownPreset, "the file replaces the built-in presets")
}

func TestLoadPromptLibrary_Invalid(t *testing.T) {
	var tooMany strings.Builder
	tooMany.WriteString("presets:\n")
	for i := range 26 {
		tooMany.WriteString("  - value: p")
		tooMany.WriteString(strings.Repeat("x", i+1))
		tooMany.WriteString("\n    prompt: hi\n")
	}

	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "missing value",
			content: "presets:\n  - prompt: hi\n",
			errMsg:  "value is required",
		},
		{
			name:    "missing prompt",
			content: "presets:\n  - value: a\n",
			errMsg:  "prompt is required",
		},
		{
			name:    "duplicate",
			content: "presets:\n  - value: a\n    prompt: hi\n  - value: a\n    prompt: there\n",
			errMsg:  "duplicate value",
		},
		{
			name:    "too many",
			content: tooMany.String(),
			errMsg:  "too many presets",
		},
		{
			name:    "not yaml",
			content: "presets: [",
			errMsg:  "failed to parse",
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				_, err := LoadPromptLibrary(writePromptsFile(t, tc.content))
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errMsg)
			},
		)
	}

	_, err := LoadPromptLibrary(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read")
}

func TestContextPrompt(t *testing.T) {
	now := time.Date(2023, 3, 1, 21, 5, 0, 0, time.UTC)
	prompt := contextPrompt(now)
	assert.Contains(t, prompt, "Wednesday, March 1, 2023 at 9:05 PM UTC")
	assert.Contains(t, prompt, "Discord markdown")
}
