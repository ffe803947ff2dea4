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

// Package openai provides the adapter for OpenAI-compatible chat,
// embedding, and transcription endpoints. The OpenAI wire format is
// already the canonical shape, so translation is limited to model
// selection and folding legacy file attachments into message content.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"llmrelay/platform/llm"
	"llmrelay/platform/shared/logger"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultTimeout is the per-call HTTP timeout.
	DefaultTimeout = 180 * time.Second
)

// Model constants for the OpenAI endpoints used by the relay.
const (
	// DefaultChatModel handles plain text conversations.
	DefaultChatModel = "gpt-4o-mini"

	// DefaultVisionModel handles conversations that carry images.
	DefaultVisionModel = "gpt-4o"

	// DefaultEmbeddingModel produces embedding vectors.
	DefaultEmbeddingModel = "text-embedding-3-large"

	// DefaultTranscribeModel transcribes audio.
	DefaultTranscribeModel = "whisper-1"
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements the llm.Provider interface for OpenAI.
type Provider struct {
	apiKey         string
	baseURL        string
	chatModel      string
	visionModel    string
	embeddingModel string
	client         HTTPClient
	logger         *logger.Logger
}

// Config contains configuration for the OpenAI provider.
type Config struct {
	APIKey         string        // API key; empty means unconfigured
	BaseURL        string        // Optional: API base URL
	ChatModel      string        // Optional: chat model override
	VisionModel    string        // Optional: vision model override
	EmbeddingModel string        // Optional: embedding model override
	Timeout        time.Duration // Optional: HTTP timeout (default: 180s)
}

// NewProvider creates a new OpenAI provider instance.
// An empty API key is allowed: the provider reports Configured()==false
// and every call fails with an auth error, which the router turns into
// a fallback.
func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = DefaultVisionModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Provider{
		apiKey:         cfg.APIKey,
		baseURL:        cfg.BaseURL,
		chatModel:      cfg.ChatModel,
		visionModel:    cfg.VisionModel,
		embeddingModel: cfg.EmbeddingModel,
		client:         &http.Client{Timeout: cfg.Timeout},
		logger:         logger.New("openai"),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// Configured reports whether an API key is present.
func (p *Provider) Configured() bool {
	return p.apiKey != ""
}

// Chat generates a completion for the given canonical request.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	messages := foldFiles(req.Messages, req.Files)

	model := p.chatModel
	if needsVision(messages, req.Files) {
		model = p.visionModel
	}

	body := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		if req.ToolChoice != nil {
			body["tool_choice"] = req.ToolChoice
		}
	}
	if req.ResponseJSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	var resp llm.ChatResponse
	if err := p.post(ctx, "/chat/completions", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewProviderError(p.Name(), "empty choices in completion reply", nil)
	}
	resp.Model = model
	return &resp, nil
}

// Embed generates embeddings. The wire shape is already canonical.
func (p *Provider) Embed(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	body := map[string]interface{}{
		"model": p.embeddingModel,
		"input": req.Input,
	}

	var resp llm.EmbeddingResponse
	if err := p.post(ctx, "/embeddings", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Transcribe sends audio bytes to the transcription endpoint as
// multipart form-data and returns the recognized text.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, filename, model string) (string, error) {
	if model == "" {
		model = DefaultTranscribeModel
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", llm.NewProviderError(p.Name(), "failed to build multipart form", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", llm.NewProviderError(p.Name(), "failed to write audio payload", err)
	}
	if err := mw.WriteField("model", model); err != nil {
		return "", llm.NewProviderError(p.Name(), "failed to write model field", err)
	}
	if err := mw.Close(); err != nil {
		return "", llm.NewProviderError(p.Name(), "failed to finalize multipart form", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", llm.NewProviderError(p.Name(), "failed to create request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", llm.NewProviderError(p.Name(), "transcription request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", p.apiError(resp.StatusCode, raw)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", llm.NewProviderError(p.Name(), "failed to decode transcription reply", err)
	}
	return out.Text, nil
}

// post executes one JSON POST and decodes the reply into out.
func (p *Provider) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return llm.NewProviderError(p.Name(), "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return llm.NewProviderError(p.Name(), "failed to create request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return llm.NewProviderError(p.Name(), "request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		rawBody, _ := io.ReadAll(resp.Body)
		return p.apiError(resp.StatusCode, rawBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return llm.NewProviderError(p.Name(), "failed to decode reply", err)
	}
	return nil
}

// apiError parses an OpenAI error body into a ProviderError.
func (p *Provider) apiError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return &llm.ProviderError{Provider: p.Name(), StatusCode: statusCode, Message: message}
}

// needsVision reports whether any attachment or inline content part
// carries an image, which forces the vision-capable model.
func needsVision(messages []llm.Message, files []llm.File) bool {
	for _, f := range files {
		if f.Type == llm.FileTypeImage {
			return true
		}
	}
	for _, m := range messages {
		parts, ok := m.Parts()
		if !ok {
			continue
		}
		for _, part := range parts {
			if part.Type == llm.PartTypeImageURL {
				return true
			}
		}
	}
	return false
}

// foldFiles merges a legacy files list into the last user message:
// its content becomes an ordered text + image_url part sequence.
// Non-image attachments are left to the text path.
func foldFiles(messages []llm.Message, files []llm.File) []llm.Message {
	images := make([]llm.File, 0, len(files))
	for _, f := range files {
		if f.Type == llm.FileTypeImage {
			images = append(images, f)
		}
	}
	if len(images) == 0 {
		return messages
	}

	out := make([]llm.Message, len(messages))
	copy(out, messages)

	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != llm.RoleUser {
			continue
		}
		parts := []llm.ContentPart{{Type: llm.PartTypeText, Text: out[i].Text()}}
		for _, img := range images {
			parts = append(parts, llm.ContentPart{
				Type:     llm.PartTypeImageURL,
				ImageURL: &llm.ImageURL{URL: imageRef(img)},
			})
		}
		out[i].Content = parts
		break
	}
	return out
}

// imageRef returns a URL or a data URI for an attachment.
func imageRef(f llm.File) string {
	if f.URL != "" {
		return f.URL
	}
	mime := f.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, f.Data)
}

// SetHTTPClient sets a custom HTTP client for testing.
func (p *Provider) SetHTTPClient(client HTTPClient) {
	p.client = client
}
