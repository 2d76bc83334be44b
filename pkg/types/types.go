// Package types defines the request and response types shared across the
// dispatch core. All backend responses are normalized into these shapes.
package types

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for a single call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ModelInfo describes the backend model that served a request.
type ModelInfo struct {
	Name         string   `json:"name"`
	Provider     string   `json:"provider,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// GenParams holds the generation parameters that affect model output.
// Pointer fields distinguish "unset" from an explicit zero value; only set
// fields participate in cache fingerprinting.
type GenParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
}

// Result is the uniform result shape returned by every dispatch operation.
// Exactly one of the payload fields (Text, Embeddings) is populated on
// success; on failure Error and ErrorType are set and the payload is empty.
type Result struct {
	Text       string    `json:"text,omitempty"`
	Embeddings []float64 `json:"embeddings,omitempty"`

	Usage     Usage     `json:"usage"`
	ModelInfo ModelInfo `json:"model_info"`

	ID           string `json:"id,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	// SessionID is set for session-scoped chat results.
	SessionID string `json:"session_id,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// Failed reports whether the result carries an error instead of a payload.
func (r *Result) Failed() bool {
	return r.Error != ""
}

// Float64 returns a pointer to v, for use in GenParams literals.
func Float64(v float64) *float64 {
	return &v
}
