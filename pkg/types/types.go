// Package types defines the canonical request and response shapes shared
// across the routing core. Provider transports translate between these
// and vendor wire formats.
package types

// Capability is a feature a provider model may or may not support.
type Capability string

const (
	CapabilityStreaming        Capability = "streaming"
	CapabilityTools            Capability = "tools"
	CapabilityVision           Capability = "vision"
	CapabilityStructuredOutput Capability = "structured_output"
	CapabilityLogProbs         Capability = "logprobs"
)

// Capabilities is the set of capabilities a provider model supports.
type Capabilities []Capability

// Has reports whether the set contains the given capability.
func (c Capabilities) Has(cap Capability) bool {
	for _, v := range c {
		if v == cap {
			return true
		}
	}
	return false
}

// Satisfies reports whether the set covers every required capability.
func (c Capabilities) Satisfies(required Capabilities) bool {
	for _, r := range required {
		if !c.Has(r) {
			return false
		}
	}
	return true
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Tool describes a tool the model may call.
type Tool struct {
	Type     string         `json:"type"`
	Function map[string]any `json:"function,omitempty"`
}

// ChatRequest is the canonical inbound completion request.
type ChatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Stream         bool           `json:"stream,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	Tools          []Tool         `json:"tools,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	LogProbs       bool           `json:"logprobs,omitempty"`
	User           string         `json:"user,omitempty"`
}

// RequiredCapabilities derives the capability requirement set from the
// request shape: a streaming request needs streaming support, a request
// with tools needs tool calling, and so on.
func (r *ChatRequest) RequiredCapabilities() Capabilities {
	var caps Capabilities
	if r.Stream {
		caps = append(caps, CapabilityStreaming)
	}
	if len(r.Tools) > 0 {
		caps = append(caps, CapabilityTools)
	}
	if r.ResponseFormat != nil {
		caps = append(caps, CapabilityStructuredOutput)
	}
	if r.LogProbs {
		caps = append(caps, CapabilityLogProbs)
	}
	return caps
}

// Usage reports token consumption for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ChatResponse is the canonical completion response.
type ChatResponse struct {
	ID       string   `json:"id"`
	Object   string   `json:"object"`
	Created  int64    `json:"created"`
	Model    string   `json:"model"`
	Provider string   `json:"provider,omitempty"`
	Choices  []Choice `json:"choices"`
	Usage    *Usage   `json:"usage,omitempty"`
}

// Delta is the incremental content of a stream chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamChoice is a single choice within a stream chunk.
type StreamChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// StreamChunk is one SSE event of a streaming completion.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}
