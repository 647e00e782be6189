package discordgpt

import (
	openai "github.com/sashabaranov/go-openai"
	"github.com/tiktoken-go/tokenizer"
	"sync"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// TokenCounter estimates how many tokens a model would see for some text
type TokenCounter interface {
	Count(text string) int
}

// TokenUsage is the token accounting shown in the footer of a reply
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// getCodec returns the cl100k_base tokenizer used by the gpt-3.5/gpt-4
// chat models
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(
		func() {
			codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
		},
	)
	return codec, codecErr
}

// tiktokenCounter counts with the cl100k_base encoding. Errors count
// as zero tokens, since the count is only ever displayed.
type tiktokenCounter struct{}

func (tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c, err := getCodec()
	if err != nil {
		return 0
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// countMessageTokens estimates prompt tokens for a message list, by
// concatenating message content
func countMessageTokens(counter TokenCounter, messages []openai.ChatCompletionMessage) int {
	total := 0
	for _, m := range messages {
		total += counter.Count(m.Content)
	}
	return total
}
