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

// Package gemini provides the adapter for the Google Gemini API.
// Unlike the OpenAI adapter, this one carries a full translation layer:
// canonical messages become Gemini contents on the way out and Gemini
// candidates become the canonical OpenAI-compatible shape on the way
// back, so callers never see Gemini wire format.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"llmrelay/platform/llm"
	"llmrelay/platform/shared/logger"
)

const (
	// DefaultBaseURL is the default Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultTimeout is the per-call HTTP timeout.
	DefaultTimeout = 180 * time.Second

	// DefaultChatModel is the generation model.
	DefaultChatModel = "gemini-2.0-flash"

	// DefaultEmbeddingModel produces embedding vectors.
	DefaultEmbeddingModel = "text-embedding-004"

	// SafetyBlockedMessage is returned as regular assistant content when
	// the API blocks a reply on safety grounds, so queued jobs resolve
	// instead of erroring.
	SafetyBlockedMessage = "⚠️ I cannot answer this due to safety filters."
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements the llm.Provider interface for Gemini.
type Provider struct {
	apiKey         string
	baseURL        string
	chatModel      string
	embeddingModel string
	client         HTTPClient
	logger         *logger.Logger
}

// Config contains configuration for the Gemini provider.
type Config struct {
	APIKey         string        // API key; empty means unconfigured
	BaseURL        string        // Optional: API base URL
	ChatModel      string        // Optional: chat model override
	EmbeddingModel string        // Optional: embedding model override
	Timeout        time.Duration // Optional: HTTP timeout (default: 180s)
}

// NewProvider creates a new Gemini provider instance.
func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
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
		embeddingModel: cfg.EmbeddingModel,
		client:         &http.Client{Timeout: cfg.Timeout},
		logger:         logger.New("gemini"),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "gemini"
}

// Configured reports whether an API key is present.
func (p *Provider) Configured() bool {
	return p.apiKey != ""
}

// Gemini wire types.

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *inlineData       `json:"inline_data,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	Tools            []geminiTools    `json:"tools,omitempty"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type geminiTools struct {
	FunctionDeclarations []llm.ToolFunction `json:"functionDeclarations"`
}

type candidate struct {
	Content      *content `json:"content"`
	FinishReason string   `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata"`
}

// Chat translates the canonical request into Gemini contents, calls
// generateContent, and normalizes the reply back to the OpenAI shape.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	contents := p.translateMessages(ctx, req.Messages, req.Files)

	body := generateRequest{
		Contents:         contents,
		GenerationConfig: generationConfig{Temperature: req.Temperature},
	}
	if len(req.Tools) > 0 {
		decls := make([]llm.ToolFunction, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, t.Function)
		}
		body.Tools = []geminiTools{{FunctionDeclarations: decls}}
	}
	if req.ResponseJSON {
		body.GenerationConfig.ResponseMimeType = "application/json"
	}

	var resp generateResponse
	path := fmt.Sprintf("/models/%s:generateContent", p.chatModel)
	if err := p.post(ctx, path, body, &resp); err != nil {
		return nil, err
	}

	return p.normalize(resp), nil
}

// translateMessages converts canonical messages plus legacy attachments
// into the Gemini contents array.
func (p *Provider) translateMessages(ctx context.Context, messages []llm.Message, files []llm.File) []content {
	contents := make([]content, 0, len(messages))

	for _, m := range messages {
		switch {
		case m.Role == llm.RoleTool:
			// Tool results come back as user-role functionResponse parts.
			contents = append(contents, content{
				Role: "user",
				Parts: []part{{FunctionResponse: &functionResponse{
					Name:     m.Name,
					Response: map[string]interface{}{"content": m.Text()},
				}}},
			})

		case m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0:
			parts := make([]part, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args := map[string]interface{}{}
				if tc.Function.Arguments != "" {
					// Unparseable arguments degrade to an empty args map.
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				}
				parts = append(parts, part{FunctionCall: &functionCall{
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			contents = append(contents, content{Role: "model", Parts: parts})

		default:
			contents = append(contents, content{
				Role:  mapRole(m.Role),
				Parts: p.translateParts(ctx, m),
			})
		}
	}

	// Legacy attachments ride on the final user message.
	if len(files) > 0 {
		extra := make([]part, 0, len(files))
		for _, f := range files {
			if pt, ok := p.filePart(ctx, f); ok {
				extra = append(extra, pt)
			}
		}
		if len(extra) > 0 {
			appended := false
			for i := len(contents) - 1; i >= 0; i-- {
				if contents[i].Role == "user" {
					contents[i].Parts = append(contents[i].Parts, extra...)
					appended = true
					break
				}
			}
			if !appended {
				contents = append(contents, content{Role: "user", Parts: extra})
			}
		}
	}

	return contents
}

// translateParts converts one message's content into Gemini parts.
// Image parts are fetched and inlined as base64; a fetch failure drops
// the image with a warning rather than failing the whole call.
func (p *Provider) translateParts(ctx context.Context, m llm.Message) []part {
	parts, ok := m.Parts()
	if !ok {
		return []part{{Text: m.Text()}}
	}

	out := make([]part, 0, len(parts))
	for _, cp := range parts {
		switch cp.Type {
		case llm.PartTypeText:
			out = append(out, part{Text: cp.Text})
		case llm.PartTypeImageURL:
			if cp.ImageURL == nil {
				continue
			}
			data, mime, err := p.fetchImage(ctx, cp.ImageURL.URL)
			if err != nil {
				p.logger.Warn("", "", "Skipping image part, fetch failed", map[string]interface{}{
					"url":   cp.ImageURL.URL,
					"error": err.Error(),
				})
				continue
			}
			out = append(out, part{InlineData: &inlineData{MimeType: mime, Data: data}})
		}
	}
	if len(out) == 0 {
		out = append(out, part{Text: ""})
	}
	return out
}

// filePart converts one legacy attachment into an inline_data part.
func (p *Provider) filePart(ctx context.Context, f llm.File) (part, bool) {
	mime := f.MimeType
	if mime == "" {
		switch f.Type {
		case llm.FileTypePDF:
			mime = "application/pdf"
		default:
			mime = "image/jpeg"
		}
	}
	if f.Data != "" {
		return part{InlineData: &inlineData{MimeType: mime, Data: f.Data}}, true
	}
	if f.URL != "" {
		data, fetchedMime, err := p.fetchImage(ctx, f.URL)
		if err != nil {
			p.logger.Warn("", "", "Skipping attachment, fetch failed", map[string]interface{}{
				"url":   f.URL,
				"error": err.Error(),
			})
			return part{}, false
		}
		if f.MimeType == "" && fetchedMime != "" {
			mime = fetchedMime
		}
		return part{InlineData: &inlineData{MimeType: mime, Data: data}}, true
	}
	return part{}, false
}

// fetchImage resolves an image reference to base64 data and mime type.
// data: URIs are decoded locally; everything else is fetched over HTTP.
func (p *Provider) fetchImage(ctx context.Context, url string) (string, string, error) {
	if strings.HasPrefix(url, "data:") {
		return parseDataURI(url)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(raw)
	}
	return base64.StdEncoding.EncodeToString(raw), mime, nil
}

// parseDataURI splits a data:<mime>;base64,<payload> reference.
func parseDataURI(uri string) (string, string, error) {
	rest := strings.TrimPrefix(uri, "data:")
	idx := strings.Index(rest, ",")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed data URI")
	}
	meta, payload := rest[:idx], rest[idx+1:]
	mime := strings.TrimSuffix(meta, ";base64")
	if mime == "" {
		mime = "image/jpeg"
	}
	return payload, mime, nil
}

// mapRole maps canonical roles onto Gemini's two-role scheme.
func mapRole(role string) string {
	if role == llm.RoleAssistant {
		return "model"
	}
	return "user"
}

// normalize converts a Gemini reply into the canonical response shape.
// A reply with no usable content (safety block) becomes a successful
// response carrying the safety placeholder. Token usage maps from
// usageMetadata when present and is zero-filled otherwise.
func (p *Provider) normalize(resp generateResponse) *llm.ChatResponse {
	usage := llm.Usage{}
	if resp.UsageMetadata != nil {
		usage.PromptTokens = resp.UsageMetadata.PromptTokenCount
		usage.CompletionTokens = resp.UsageMetadata.CandidatesTokenCount
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		msg := SafetyBlockedMessage
		return &llm.ChatResponse{
			Choices: []llm.Choice{{Message: llm.AssistantMessage{
				Role:    llm.RoleAssistant,
				Content: &msg,
			}}},
			Usage: usage,
			Model: p.chatModel,
		}
	}

	var (
		text      string
		gotText   bool
		toolCalls []llm.ToolCall
		ts        = time.Now().UnixMilli()
	)
	for i, pt := range resp.Candidates[0].Content.Parts {
		if pt.FunctionCall != nil {
			args := pt.FunctionCall.Args
			if args == nil {
				args = map[string]interface{}{}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				raw = []byte("{}")
			}
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:   fmt.Sprintf("call_%d_%d", ts, i),
				Type: "function",
				Function: llm.ToolCallFunction{
					Name:      pt.FunctionCall.Name,
					Arguments: string(raw),
				},
			})
			continue
		}
		// The reply text is the first text part; later parts are not
		// concatenated.
		if !gotText {
			text = pt.Text
			gotText = true
		}
	}

	msg := llm.AssistantMessage{Role: llm.RoleAssistant, ToolCalls: toolCalls}
	if len(toolCalls) == 0 {
		msg.Content = &text
	}

	return &llm.ChatResponse{
		Choices: []llm.Choice{{Message: msg}},
		Usage:   usage,
		Model:   p.chatModel,
	}
}

// Embed calls batchEmbedContents and normalizes the reply to the
// OpenAI-compatible embedding shape.
func (p *Provider) Embed(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	type embedContent struct {
		Model   string  `json:"model"`
		Content content `json:"content"`
	}
	type batchRequest struct {
		Requests []embedContent `json:"requests"`
	}

	body := batchRequest{Requests: make([]embedContent, 0, len(req.Input))}
	for _, text := range req.Input {
		body.Requests = append(body.Requests, embedContent{
			Model:   "models/" + p.embeddingModel,
			Content: content{Parts: []part{{Text: text}}},
		})
	}

	var resp struct {
		Embeddings []struct {
			Values []float64 `json:"values"`
		} `json:"embeddings"`
	}
	path := fmt.Sprintf("/models/%s:batchEmbedContents", p.embeddingModel)
	if err := p.post(ctx, path, body, &resp); err != nil {
		return nil, err
	}

	out := &llm.EmbeddingResponse{
		Object: "list",
		Model:  p.embeddingModel,
		Data:   make([]llm.EmbeddingData, 0, len(resp.Embeddings)),
	}
	for i, e := range resp.Embeddings {
		out.Data = append(out.Data, llm.EmbeddingData{
			Object:    "embedding",
			Embedding: e.Values,
			Index:     i,
		})
	}
	return out, nil
}

// post executes one JSON POST against the Gemini API and decodes the
// reply into out.
func (p *Provider) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return llm.NewProviderError(p.Name(), "failed to marshal request", err)
	}

	url := fmt.Sprintf("%s%s?key=%s", p.baseURL, path, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return llm.NewProviderError(p.Name(), "failed to create request", err)
	}
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

// apiError parses a Gemini error body into a ProviderError.
func (p *Provider) apiError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return &llm.ProviderError{Provider: p.Name(), StatusCode: statusCode, Message: message}
}

// SetHTTPClient sets a custom HTTP client for testing.
func (p *Provider) SetHTTPClient(client HTTPClient) {
	p.client = client
}
