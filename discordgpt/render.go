package discordgpt

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	loadingContent = ":hourglass_flowing_sand:"
	footerColor    = 0x10a37f
)

// Reply is the content of a message the bot sends or edits
type Reply struct {
	Content string
	Embeds  []*discordgo.MessageEmbed
	Files   []*discordgo.File
}

// attachment returns the first attached file, if any
func (r Reply) attachment() (*discordgo.File, bool) {
	if len(r.Files) == 0 {
		return nil, false
	}
	return r.Files[0], true
}

func attachmentSize(f *discordgo.File) int64 {
	if r, ok := f.Reader.(interface{ Size() int64 }); ok {
		return r.Size()
	}
	return 0
}

// renderer turns completion text into a Reply
type renderer struct {
	config *RenderConfig
}

func newRenderer(config *RenderConfig) renderer {
	if config == nil {
		config = &RenderConfig{
			DisplayLimit:   DefaultRenderDisplayLimit,
			Placeholder:    DefaultRenderPlaceholder,
			AttachmentName: DefaultRenderAttachmentName,
		}
	}
	return renderer{config: config}
}

// oversized reports whether content is too long to show inline
func (r renderer) oversized(content string) bool {
	return utf8.RuneCountInString(content) > r.config.DisplayLimit
}

// render returns content as a Reply, with the token footer. Content
// longer than the display limit is replaced with the placeholder, and
// the full text is attached as a file.
func (r renderer) render(content string, usage TokenUsage, elapsed time.Duration) Reply {
	reply := Reply{
		Content: content,
		Embeds:  []*discordgo.MessageEmbed{tokenEmbed(usage, elapsed)},
	}
	if r.oversized(content) {
		reply.Content = r.config.Placeholder
		reply.Files = []*discordgo.File{
			{
				Name:        r.config.AttachmentName,
				ContentType: "text/plain; charset=utf-8",
				Reader:      strings.NewReader(content),
			},
		}
	}
	return reply
}

// loading is shown while waiting on the first part of a completion
func (r renderer) loading(usage TokenUsage, elapsed time.Duration) Reply {
	return Reply{
		Content: loadingContent,
		Embeds:  []*discordgo.MessageEmbed{tokenEmbed(usage, elapsed)},
	}
}

// notice is a plain text message with no footer
func notice(content string) Reply {
	return Reply{Content: content}
}

// tokenEmbed builds the footer embed showing token usage and how long
// the reply took
func tokenEmbed(usage TokenUsage, elapsed time.Duration) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Color: footerColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Prompt tokens",
				Value:  humanize.Comma(int64(usage.PromptTokens)),
				Inline: true,
			},
			{
				Name:   "Completion tokens",
				Value:  humanize.Comma(int64(usage.CompletionTokens)),
				Inline: true,
			},
			{
				Name:   "Total tokens",
				Value:  humanize.Comma(int64(usage.Total())),
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Took %s", formatElapsed(elapsed)),
		},
	}
}
