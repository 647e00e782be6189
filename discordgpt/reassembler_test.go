package discordgpt

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"strings"
	"testing"
)

func deltaLine(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n", content)
}

func TestStreamAccumulator_Feed(t *testing.T) {
	t.Run(
		"single delta then sentinel", func(t *testing.T) {
			s := NewStreamAccumulator()
			assert.Empty(t, s.Feed([]byte(deltaLine("Hi"))))

			events := s.Feed([]byte("data: [DONE]\n"))
			require.Len(t, events, 1)
			assert.Equal(t, RenderEvent{Content: "Hi", Length: 2, Final: true}, events[0])
			assert.True(t, s.Completed())
			assert.Equal(t, "Hi", s.Content())
		},
	)

	t.Run(
		"lines after the sentinel are ignored", func(t *testing.T) {
			s := NewStreamAccumulator()
			events := s.Feed([]byte(deltaLine("a") + "data: [DONE]\n" + deltaLine("b")))
			require.Len(t, events, 1)
			assert.True(t, events[0].Final)
			assert.Equal(t, "a", events[0].Content)

			assert.Nil(t, s.Feed([]byte(deltaLine("c"))))
			assert.Equal(t, "a", s.Content())
		},
	)

	t.Run(
		"malformed and partial payloads are skipped", func(t *testing.T) {
			s := NewStreamAccumulator()
			chunk := strings.Join(
				[]string{
					"data: {not json",
					`data: {"choices":[]}`,
					`data: {"choices":[{}]}`,
					`data: {"choices":[{"delta":{}}]}`,
					`data: {"choices":[{"delta":{"content":5}}]}`,
					`data: {"id":"x"}`,
					"",
					"   ",
					`data: {"choices":[{"delta":{"content":"ok"}}]}`,
				}, "\n",
			)
			assert.Empty(t, s.Feed([]byte(chunk)))
			assert.Equal(t, "ok", s.Content())
			assert.False(t, s.Completed())
		},
	)

	t.Run(
		"payload without the data prefix", func(t *testing.T) {
			s := NewStreamAccumulator()
			s.Feed([]byte(`{"choices":[{"delta":{"content":"x"}}]}` + "\n"))
			assert.Equal(t, "x", s.Content())
		},
	)

	t.Run(
		"length is counted in characters", func(t *testing.T) {
			s := NewStreamAccumulator()
			s.Feed([]byte(deltaLine("héllo 🙂")))
			assert.Equal(t, 7, s.Len())
		},
	)
}

func TestStreamAccumulator_RenderThrottle(t *testing.T) {
	tests := []struct {
		length int
		want   bool
	}{
		{0, false},
		{1, false},
		{99, false},
		{100, true},
		{150, false},
		{200, true},
		{249, false},
		{250, true},
		{300, false},
		{400, false},
		{500, true},
		{750, true},
		{1000, true},
	}
	for _, tc := range tests {
		t.Run(
			fmt.Sprintf("length %d", tc.length), func(t *testing.T) {
				assert.Equal(t, tc.want, shouldRender(tc.length))
			},
		)
	}
}

func TestStreamAccumulator_CumulativeLength(t *testing.T) {
	// 60 + 40 crosses 100 across two chunks, neither chunk is 100 alone
	s := NewStreamAccumulator()
	assert.Empty(t, s.Feed([]byte(deltaLine(strings.Repeat("a", 60)))))

	events := s.Feed([]byte(deltaLine(strings.Repeat("b", 40))))
	require.Len(t, events, 1)
	assert.False(t, events[0].Final)
	assert.Equal(t, 100, events[0].Length)

	// one intermediate render per chunk, even with several deltas in it
	events = s.Feed([]byte(deltaLine(strings.Repeat("c", 50)) + deltaLine(strings.Repeat("d", 50))))
	require.Len(t, events, 1)
	assert.Equal(t, 200, events[0].Length)

	events = s.Feed([]byte(deltaLine(strings.Repeat("e", 100))))
	assert.Empty(t, events, "300 is past 250 and not a multiple of it")
}

func TestStreamAccumulator_Reassemble(t *testing.T) {
	t.Run(
		"line split across reads", func(t *testing.T) {
			body := deltaLine("Hello, ") + deltaLine("world") + "data: [DONE]\n"
			r := &splitReader{data: []byte(body), size: 7}

			var renders []RenderEvent
			s := NewStreamAccumulator()
			content, err := s.Reassemble(
				context.Background(), r, func(ev RenderEvent) error {
					renders = append(renders, ev)
					return nil
				},
			)
			require.NoError(t, err)
			assert.Equal(t, "Hello, world", content)
			require.Len(t, renders, 1)
			assert.True(t, renders[0].Final)
			assert.Equal(t, "Hello, world", renders[0].Content)
		},
	)

	t.Run(
		"sentinel without trailing newline", func(t *testing.T) {
			s := NewStreamAccumulator()
			content, err := s.Reassemble(
				context.Background(),
				strings.NewReader(deltaLine("Hi")+"data: [DONE]"),
				func(RenderEvent) error { return nil },
			)
			require.NoError(t, err)
			assert.Equal(t, "Hi", content)
			assert.True(t, s.Completed())
		},
	)

	t.Run(
		"body ends before the sentinel", func(t *testing.T) {
			s := NewStreamAccumulator()
			content, err := s.Reassemble(
				context.Background(),
				strings.NewReader(deltaLine("partial")),
				func(RenderEvent) error { return nil },
			)
			assert.ErrorIs(t, err, ErrStreamIncomplete)
			assert.Equal(t, "partial", content)
		},
	)

	t.Run(
		"read error", func(t *testing.T) {
			readErr := errors.New("connection reset")
			s := NewStreamAccumulator()
			_, err := s.Reassemble(
				context.Background(),
				io.MultiReader(strings.NewReader(deltaLine("x")), &errReader{err: readErr}),
				func(RenderEvent) error { return nil },
			)
			assert.ErrorIs(t, err, readErr)
		},
	)

	t.Run(
		"render error stops reassembly", func(t *testing.T) {
			renderErr := errors.New("edit failed")
			s := NewStreamAccumulator()
			_, err := s.Reassemble(
				context.Background(),
				strings.NewReader(deltaLine(strings.Repeat("a", 100))),
				func(RenderEvent) error { return renderErr },
			)
			assert.ErrorIs(t, err, renderErr)
		},
	)

	t.Run(
		"canceled context", func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			s := NewStreamAccumulator()
			_, err := s.Reassemble(ctx, strings.NewReader(deltaLine("x")), func(RenderEvent) error { return nil })
			assert.ErrorIs(t, err, context.Canceled)
		},
	)
}

// splitReader returns data in reads of at most size bytes
type splitReader struct {
	data []byte
	size int
}

func (r *splitReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.size, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

type errReader struct {
	err error
}

func (r *errReader) Read([]byte) (int, error) {
	return 0, r.err
}
