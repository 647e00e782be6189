package discordgpt

// OpenAIAPILog represents a log entry for an OpenAI API request and
// response. It's embedded in the per-endpoint log tables below.
//
// Fields:
//   - UserID: Discord user ID the request was made on behalf of
//   - RequestStarted: Unix timestamp (in milliseconds) when the request started.
//   - RequestEnded: Unix timestamp (in milliseconds) when the request ended.
//     For streamed completions, this is when the stream was closed.
//   - RequestBody: The JSON payload sent to the API.
//   - ResponseBody: The response received. Streamed responses are stored
//     as the raw event stream, up to maxLoggedStreamBytes.
//   - ResponseHeaders: JSON-encoded response headers.
//   - Error: Any error encountered during the call.
//
//nolint:lll // struct tags can't be split
type OpenAIAPILog struct {
	ModelUintID
	ModelUnixTime

	UserID string `json:"user_id" gorm:"index"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody string `json:"request_payload" gorm:"type:string"`

	ResponseBody    string `json:"response_payload" gorm:"type:string"`
	ResponseHeaders string `json:"headers" gorm:"type:string"`

	Error string `json:"error" gorm:"type:string"`
}

// CompletionLog records a single chat completion request
type CompletionLog struct {
	OpenAIAPILog

	Model            string `json:"model"`
	Stream           bool   `json:"stream"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

func (CompletionLog) TableName() string {
	return "openai_chat_completion"
}

// ModerationLog records a moderation check on /chat input
type ModerationLog struct {
	OpenAIAPILog

	Flagged bool `json:"flagged"`
}

func (ModerationLog) TableName() string {
	return "openai_moderation"
}
