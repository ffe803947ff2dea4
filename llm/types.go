// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llm provides the canonical request/response types shared by
// all LLM providers, the provider interface, and the fallback router.
// Adapters translate between these types and provider wire formats;
// nothing downstream of this package sees provider-specific keys.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Content part types.
const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
)

// Attached file kinds.
const (
	FileTypeImage = "image"
	FileTypePDF   = "pdf"
)

// Message is one chat turn. Content is either a plain string, an
// ordered slice of content parts, or nil (assistant tool-call turns).
type Message struct {
	Role string `json:"role"`

	// Content holds string | []ContentPart | nil. Decoded JSON arrives
	// as string or []interface{}; use Parts and Text to read it.
	Content interface{} `json:"content"`

	// Name is the tool name on role=tool messages.
	Name string `json:"name,omitempty"`

	// ToolCalls are the function invocations on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ContentPart is one element of multimodal message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL wraps an image reference inside a content part.
type ImageURL struct {
	URL string `json:"url"`
}

// Parts returns the message content as ordered parts.
// The second return is false when the content is a plain string or nil.
func (m Message) Parts() ([]ContentPart, bool) {
	switch c := m.Content.(type) {
	case []ContentPart:
		return c, true
	case []interface{}:
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, false
		}
		var parts []ContentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, false
		}
		return parts, true
	default:
		return nil, false
	}
}

// Text returns the textual content of the message: the string itself,
// or the concatenated text parts of multimodal content.
func (m Message) Text() string {
	if s, ok := m.Content.(string); ok {
		return s
	}
	parts, ok := m.Parts()
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// File is an attachment carried alongside the messages (legacy shape:
// attachments arrive in a separate list rather than as content parts).
type File struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"` // inline base64 payload
	MimeType string `json:"mime_type,omitempty"`
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a function schema offered to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes one callable function.
type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatRequest is the canonical chat request handed to adapters.
type ChatRequest struct {
	Messages    []Message   `json:"messages"`
	Files       []File      `json:"files,omitempty"`
	Temperature float64     `json:"temperature"`
	Tools       []Tool      `json:"tools,omitempty"`
	ToolChoice  interface{} `json:"tool_choice,omitempty"`

	// ResponseJSON asks the provider for a JSON-only reply
	// (used by the ticket classifier).
	ResponseJSON bool `json:"-"`
}

// AssistantMessage is the reply message inside a canonical response.
// Content is nil when the model answered with tool calls instead.
type AssistantMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Choice wraps one candidate reply.
type Choice struct {
	Message AssistantMessage `json:"message"`
}

// Usage contains token counts for billing.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResponse is the canonical (OpenAI-shaped) chat reply produced by
// every adapter.
type ChatResponse struct {
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Model   string   `json:"model,omitempty"`
}

// Content returns the first choice's text content, or "" when the
// response is empty or carries tool calls.
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 || r.Choices[0].Message.Content == nil {
		return ""
	}
	return *r.Choices[0].Message.Content
}

// EmbeddingRequest is the canonical embedding request.
type EmbeddingRequest struct {
	Input []string `json:"input"`
}

// EmbeddingData is one embedding vector in the OpenAI-compatible shape.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

// EmbeddingUsage contains token counts for an embedding call.
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// EmbeddingResponse is the OpenAI-compatible embedding reply shape.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  EmbeddingUsage  `json:"usage"`
}

// ProviderError represents an error from an LLM provider: network,
// auth, format, or content-policy failures. The router treats any
// adapter error as grounds for fallback.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError without an HTTP status.
func NewProviderError(provider, message string, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Message: message, Cause: cause}
}

// AllProvidersFailedError reports that the primary and every eligible
// fallback provider failed for one request.
type AllProvidersFailedError struct {
	Primary     string
	Fallback    string
	PrimaryErr  error
	FallbackErr error
}

// Error implements the error interface.
func (e *AllProvidersFailedError) Error() string {
	if e.Fallback == "" {
		return fmt.Sprintf("all providers failed: %s failed (%v) and no fallback is configured", e.Primary, e.PrimaryErr)
	}
	return fmt.Sprintf("all providers failed: %s (%v); fallback %s (%v)", e.Primary, e.PrimaryErr, e.Fallback, e.FallbackErr)
}

// Unwrap returns the most recent underlying error.
func (e *AllProvidersFailedError) Unwrap() error {
	if e.FallbackErr != nil {
		return e.FallbackErr
	}
	return e.PrimaryErr
}
