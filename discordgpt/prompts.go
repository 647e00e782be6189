package discordgpt

import (
	"fmt"
	"github.com/goccy/go-yaml"
	"os"
	"strings"
	"time"
)

const (
	promptPersonaFullName  = "{FULL_NAME}"
	promptPersonaFirstName = "{FIRST_NAME}"

	contextPromptTimeLayout = "Monday, January 2, 2006 at 3:04 PM MST"
)

const (
	errPersonaRequired noticeError = "You must specify a persona name when " +
		"using this prompt! (e.g Baine Bloodhoof)"
	errPersonaFullNameRequired noticeError = "You must specify a full persona " +
		"name when using this prompt! (e.g Baine Bloodhoof)"
	errUnknownPreset noticeError = "There was an error while getting the " +
		"prompt. Please try again later!"
)

// noticeError is an error whose text is shown to the user as-is
type noticeError string

func (e noticeError) Error() string {
	return string(e)
}

// PromptPreset is a canned prompt that can be selected with the /chat
// 'prompt' option. Its text is sent as the first message of the
// conversation, in place of the context prompt.
type PromptPreset struct {
	// Value is the option value used in the slash command
	Value string `yaml:"value" json:"value"`

	// Name is shown in the slash command choice list
	Name string `yaml:"name" json:"name"`

	Prompt string `yaml:"prompt" json:"prompt"`

	// RequiresPersona is set for presets that use {FULL_NAME} and
	// {FIRST_NAME}, which are filled in from the 'persona' option
	RequiresPersona bool `yaml:"requires_persona" json:"requires_persona"`
}

type promptFile struct {
	Presets []PromptPreset `yaml:"presets"`
}

// PromptLibrary holds the /chat prompt presets, in the order they're
// offered as choices
type PromptLibrary struct {
	presets []PromptPreset
}

// DefaultPromptLibrary returns the built-in presets
func DefaultPromptLibrary() *PromptLibrary {
	return &PromptLibrary{
		presets: []PromptPreset{
			{
				Value: "jb",
				Name:  "Jailbreak",
				Prompt: "From now on, answer every message as a blunt, opinionated " +
					"assistant who skips disclaimers and caveats. Keep answers " +
					"short and direct, and stay in character for the rest of " +
					"this conversation.",
			},
			{
				Value: "uwu",
				Name:  "UwU",
				Prompt: "You are " + promptPersonaFullName + ". Stay in character as " +
					promptPersonaFullName + " for the rest of this conversation, " +
					"but speak in an exaggerated uwu style: replace r and l with w, " +
					"add uwu and owo where it fits, and refer to yourself as " +
					promptPersonaFirstName + ".",
				RequiresPersona: true,
			},
		},
	}
}

// LoadPromptLibrary reads presets from a YAML file, in the form:
//
//	presets:
//	  - value: pirate
//	    name: Pirate
//	    prompt: Talk like a pirate.
func LoadPromptLibrary(path string) (*PromptLibrary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}
	var f promptFile
	if err = yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file: %w", err)
	}

	seen := make(map[string]bool, len(f.Presets))
	for i, p := range f.Presets {
		switch {
		case p.Value == "":
			return nil, fmt.Errorf("preset %d: value is required", i)
		case p.Prompt == "":
			return nil, fmt.Errorf("preset %q: prompt is required", p.Value)
		case seen[p.Value]:
			return nil, fmt.Errorf("preset %q: duplicate value", p.Value)
		}
		seen[p.Value] = true
		if p.Name == "" {
			f.Presets[i].Name = p.Value
		}
	}
	// discord allows at most 25 choices per option
	if len(f.Presets) > 25 {
		return nil, fmt.Errorf("too many presets (%d, max 25)", len(f.Presets))
	}
	return &PromptLibrary{presets: f.Presets}, nil
}

func (l *PromptLibrary) Presets() []PromptPreset {
	return l.presets
}

// Resolve returns the prompt text for the given preset, with persona
// names substituted. The returned errors are user-facing.
func (l *PromptLibrary) Resolve(value string, persona string) (string, error) {
	for _, p := range l.presets {
		if p.Value != value {
			continue
		}
		if !p.RequiresPersona {
			return p.Prompt, nil
		}
		persona = strings.TrimSpace(persona)
		if persona == "" {
			return "", errPersonaRequired
		}
		if !strings.Contains(persona, " ") {
			return "", errPersonaFullNameRequired
		}
		firstName, _, _ := strings.Cut(persona, " ")
		prompt := strings.ReplaceAll(p.Prompt, promptPersonaFullName, persona)
		return strings.ReplaceAll(prompt, promptPersonaFirstName, firstName), nil
	}
	return "", errUnknownPreset
}

// contextPrompt is prepended to conversations that aren't raw
func contextPrompt(now time.Time) string {
	return fmt.Sprintf(
		"The current date and time is %s. "+
			"Your replies are shown in Discord, so format them with "+
			"Discord markdown, and put any code in fenced code blocks.",
		now.Format(contextPromptTimeLayout),
	)
}
