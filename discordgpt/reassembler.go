package discordgpt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	streamDataPrefix = "data: "
	streamSentinel   = "[DONE]"

	// intermediate renders are emitted when the reply length is a multiple
	// of renderEvery, or of renderEveryShort while still under renderEvery
	renderEvery      = 250
	renderEveryShort = 100

	streamReadBufferSize = 4096
)

var ErrStreamIncomplete = errors.New("completion stream ended before [DONE]")

// RenderEvent is a snapshot of the reply text that should be shown
type RenderEvent struct {
	Content string
	// Length is Content's length in characters
	Length int
	// Final is set on the single event emitted at the end of the stream
	Final bool
}

// streamChunk is the subset of a chat completion chunk we read. Every
// field is optional: a line missing any of them contributes nothing.
type streamChunk struct {
	Choices []struct {
		Delta *struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamAccumulator reassembles a server-sent completion stream into the
// reply text. It isn't safe for concurrent use.
type StreamAccumulator struct {
	content   strings.Builder
	length    int
	completed bool
}

func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Content returns the text accumulated so far
func (s *StreamAccumulator) Content() string {
	return s.content.String()
}

// Len returns the length of Content in characters
func (s *StreamAccumulator) Len() int {
	return s.length
}

// Completed reports whether the [DONE] sentinel has been seen
func (s *StreamAccumulator) Completed() bool {
	return s.completed
}

// Feed processes one transport chunk, which may hold any number of
// lines. It returns the renders due after the chunk: either a single
// intermediate render, the final render if the chunk carried the
// sentinel, or nothing. Chunks fed after completion are ignored.
func (s *StreamAccumulator) Feed(chunk []byte) []RenderEvent {
	if s.completed {
		return nil
	}

	for _, line := range strings.Split(string(chunk), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		payload := strings.TrimPrefix(line, streamDataPrefix)
		if payload == streamSentinel {
			s.completed = true
			return []RenderEvent{s.event(true)}
		}
		s.appendPayload(payload)
	}

	if shouldRender(s.length) {
		return []RenderEvent{s.event(false)}
	}
	return nil
}

func (s *StreamAccumulator) appendPayload(payload string) {
	var c streamChunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return
	}
	if len(c.Choices) == 0 {
		return
	}
	delta := c.Choices[0].Delta
	if delta == nil || delta.Content == nil {
		return
	}
	s.content.WriteString(*delta.Content)
	s.length += utf8.RuneCountInString(*delta.Content)
}

func (s *StreamAccumulator) event(final bool) RenderEvent {
	return RenderEvent{
		Content: s.content.String(),
		Length:  s.length,
		Final:   final,
	}
}

// shouldRender reports whether an intermediate render is due at the
// given reply length
func shouldRender(length int) bool {
	if length <= 0 {
		return false
	}
	if length%renderEvery == 0 {
		return true
	}
	return length < renderEvery && length%renderEveryShort == 0
}

// Reassemble reads a completion stream body until the sentinel, calling
// onRender for every render Feed emits. Reads are split on the last
// newline, so a line straddling two reads is fed whole. If the body ends
// before the sentinel, the partial content is returned along with
// ErrStreamIncomplete. An error from onRender stops reassembly.
func (s *StreamAccumulator) Reassemble(
	ctx context.Context,
	body io.Reader,
	onRender func(RenderEvent) error,
) (string, error) {
	buf := make([]byte, streamReadBufferSize)
	var pending []byte

	feed := func(chunk []byte) error {
		for _, ev := range s.Feed(chunk) {
			if err := onRender(ev); err != nil {
				return err
			}
		}
		return nil
	}

	for !s.completed {
		if err := ctx.Err(); err != nil {
			return s.Content(), err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if i := bytes.LastIndexByte(pending, '\n'); i >= 0 {
				chunk := pending[:i+1]
				pending = append([]byte(nil), pending[i+1:]...)
				if err := feed(chunk); err != nil {
					return s.Content(), err
				}
			}
		}

		if readErr != nil {
			if len(pending) > 0 && !s.completed {
				if err := feed(pending); err != nil {
					return s.Content(), err
				}
				pending = nil
			}
			if s.completed {
				break
			}
			if errors.Is(readErr, io.EOF) {
				return s.Content(), ErrStreamIncomplete
			}
			return s.Content(), fmt.Errorf("error reading completion stream: %w", readErr)
		}
	}
	return s.Content(), nil
}
