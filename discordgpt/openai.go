package discordgpt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	chatCompletionsSuffix = "/chat/completions"

	// maxLoggedStreamBytes caps how much of a streamed response is kept
	// in its CompletionLog
	maxLoggedStreamBytes = 256 * 1024

	// maxErrorBodyBytes caps how much of an error response is read
	maxErrorBodyBytes = 4096
)

var ErrMessageFlagged = errors.New("message flagged by moderation")

// Completion is the result of a non-streamed chat completion
type Completion struct {
	Content string
	Usage   TokenUsage
}

// CompletionProvider returns chat completions for a role-tagged message
// list. user is the Discord user ID the request is made for.
type CompletionProvider interface {
	Complete(
		ctx context.Context,
		user string,
		messages []openai.ChatCompletionMessage,
	) (Completion, error)

	// CompleteStream returns the raw server-sent event body of a streamed
	// completion. The caller must close it.
	CompleteStream(
		ctx context.Context,
		user string,
		messages []openai.ChatCompletionMessage,
	) (io.ReadCloser, error)
}

// Moderator checks user input against a moderation endpoint
type Moderator interface {
	Moderate(ctx context.Context, user string, text string) (flagged bool, err error)
}

// OpenAIClient is the subset of the go-openai client used here, so tests
// can swap in a mock.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)

	Moderations(
		ctx context.Context,
		request openai.ModerationRequest,
	) (response openai.ModerationResponse, err error)
}

// OpenAI implements CompletionProvider and Moderator.
//
// Non-streamed completions and moderation go through the go-openai
// client. Streamed completions are requested directly over HTTP, since
// the reassembler consumes the raw event stream rather than decoded
// chunks. Every request waits on requestLimiter, and is recorded in the
// database when db is set.
type OpenAI struct {
	client         OpenAIClient
	httpClient     *http.Client
	baseURL        string
	config         *OpenAIConfig
	logger         *slog.Logger
	db             DBI
	requestLimiter *rate.Limiter

	mu *sync.RWMutex // protects requestLimiter
}

func newOpenAI(
	config *OpenAIConfig,
	db DBI,
	httpClient *http.Client,
) *OpenAI {
	o := &OpenAI{
		config:         config,
		db:             db,
		mu:             &sync.RWMutex{},
		requestLimiter: newRequestLimiter(config.MaxRequestsPerSecond),
		logger:         newComponentLogger(config.LogLevel, "openai"),
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	} else {
		httpClient = http.DefaultClient
	}
	o.httpClient = httpClient
	o.baseURL = clientCfg.BaseURL
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

func newRequestLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), int(math.Max(1, math.Ceil(perSecond))))
}

// SetRequestLimit replaces the request rate limit
func (d *OpenAI) SetRequestLimit(perSecond float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestLimiter = newRequestLimiter(perSecond)
}

// waitOnRequestLimiter waits for the request limiter to allow the next request,
// returning any error from the limiter itself
func (d *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	d.mu.RLock()
	requestLimiter := d.requestLimiter
	d.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

func (d *OpenAI) ctxLogger(ctx context.Context) *slog.Logger {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		return d.logger
	}
	return logger
}

func (d *OpenAI) chatRequest(
	user string,
	messages []openai.ChatCompletionMessage,
	stream bool,
) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:    d.config.Model,
		Messages: messages,
		User:     user,
		Stream:   stream,
	}
}

func (d *OpenAI) Complete(
	ctx context.Context,
	user string,
	messages []openai.ChatCompletionMessage,
) (Completion, error) {
	logger := d.ctxLogger(ctx)

	if err := d.waitOnRequestLimiter(ctx); err != nil {
		return Completion{}, err
	}

	req := d.chatRequest(user, messages, false)
	rec := &CompletionLog{
		OpenAIAPILog: OpenAIAPILog{
			UserID:         user,
			RequestStarted: time.Now().UnixMilli(),
		},
		Model: req.Model,
	}
	data, _ := json.Marshal(req)
	rec.RequestBody = string(data)

	resp, err := d.client.CreateChatCompletion(ctx, req)
	rec.RequestEnded = time.Now().UnixMilli()
	defer d.saveLog(ctx, rec)

	if err != nil {
		rec.Error = err.Error()
		logger.ErrorContext(ctx, "chat completion failed", tint.Err(err))
		return Completion{}, err
	}
	data, err = json.Marshal(resp)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling json", tint.Err(err))
	}
	rec.ResponseBody = string(data)
	rec.ResponseHeaders = d.dumpHeaders(resp.Header())
	rec.PromptTokens = resp.Usage.PromptTokens
	rec.CompletionTokens = resp.Usage.CompletionTokens

	if len(resp.Choices) == 0 {
		err = errors.New("no choices in completion response")
		rec.Error = err.Error()
		return Completion{}, err
	}

	logger.InfoContext(
		ctx,
		"chat completion finished",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)
	return Completion{
		Content: resp.Choices[0].Message.Content,
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (d *OpenAI) CompleteStream(
	ctx context.Context,
	user string,
	messages []openai.ChatCompletionMessage,
) (io.ReadCloser, error) {
	logger := d.ctxLogger(ctx)

	if err := d.waitOnRequestLimiter(ctx); err != nil {
		return nil, err
	}

	req := d.chatRequest(user, messages, true)
	rec := &CompletionLog{
		OpenAIAPILog: OpenAIAPILog{
			UserID:         user,
			RequestStarted: time.Now().UnixMilli(),
		},
		Model:  req.Model,
		Stream: true,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}
	rec.RequestBody = string(data)

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		d.baseURL+chatCompletionsSuffix,
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	httpReq.Header.Set("Authorization", "Bearer "+d.config.Token)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		rec.RequestEnded = time.Now().UnixMilli()
		rec.Error = err.Error()
		d.saveLog(ctx, rec)
		logger.ErrorContext(ctx, "chat completion stream failed", tint.Err(err))
		return nil, err
	}
	rec.ResponseHeaders = d.dumpHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		err = fmt.Errorf(
			"chat completion stream: unexpected status %d: %s",
			resp.StatusCode,
			strings.TrimSpace(string(body)),
		)
		rec.RequestEnded = time.Now().UnixMilli()
		rec.ResponseBody = string(body)
		rec.Error = err.Error()
		d.saveLog(ctx, rec)
		logger.ErrorContext(ctx, "chat completion stream rejected", tint.Err(err))
		return nil, err
	}

	return &loggedStream{
		ReadCloser: resp.Body,
		ctx:        ctx,
		rec:        rec,
		provider:   d,
	}, nil
}

// Moderate returns true if any moderation result for text is flagged
func (d *OpenAI) Moderate(ctx context.Context, user string, text string) (bool, error) {
	logger := d.ctxLogger(ctx)

	if err := d.waitOnRequestLimiter(ctx); err != nil {
		return false, err
	}

	req := openai.ModerationRequest{Input: text}
	rec := &ModerationLog{
		OpenAIAPILog: OpenAIAPILog{
			UserID:         user,
			RequestStarted: time.Now().UnixMilli(),
		},
	}
	data, _ := json.Marshal(req)
	rec.RequestBody = string(data)

	resp, err := d.client.Moderations(ctx, req)
	rec.RequestEnded = time.Now().UnixMilli()
	defer d.saveLog(ctx, rec)

	if err != nil {
		rec.Error = err.Error()
		logger.ErrorContext(ctx, "moderation request failed", tint.Err(err))
		return false, err
	}
	data, _ = json.Marshal(resp)
	rec.ResponseBody = string(data)
	rec.ResponseHeaders = d.dumpHeaders(resp.Header())

	for _, result := range resp.Results {
		if result.Flagged {
			rec.Flagged = true
			logger.WarnContext(ctx, "message flagged by moderation", "user_id", user)
			return true, nil
		}
	}
	return false, nil
}

func (d *OpenAI) saveLog(ctx context.Context, rec any) {
	if d.db == nil {
		return
	}
	if _, err := d.db.Create(context.WithoutCancel(ctx), rec); err != nil {
		d.ctxLogger(ctx).ErrorContext(ctx, "error adding record", tint.Err(err))
	}
}

func (d *OpenAI) dumpHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	data, err := json.Marshal(headers)
	if err != nil {
		d.logger.Warn("error dumping headers", tint.Err(err))
		return ""
	}
	return string(data)
}

// loggedStream copies what's read from a streamed completion body, and
// saves the CompletionLog when closed
type loggedStream struct {
	io.ReadCloser
	ctx      context.Context
	rec      *CompletionLog
	provider *OpenAI
	buf      bytes.Buffer
	readErr  error
	once     sync.Once
}

func (l *loggedStream) Read(p []byte) (int, error) {
	n, err := l.ReadCloser.Read(p)
	if n > 0 && l.buf.Len() < maxLoggedStreamBytes {
		remaining := maxLoggedStreamBytes - l.buf.Len()
		l.buf.Write(p[:min(n, remaining)])
	}
	if err != nil && !errors.Is(err, io.EOF) {
		l.readErr = err
	}
	return n, err
}

func (l *loggedStream) Close() error {
	err := l.ReadCloser.Close()
	l.once.Do(
		func() {
			l.rec.RequestEnded = time.Now().UnixMilli()
			l.rec.ResponseBody = l.buf.String()
			if l.readErr != nil {
				l.rec.Error = l.readErr.Error()
			}
			l.provider.saveLog(l.ctx, l.rec)
		},
	)
	return err
}
