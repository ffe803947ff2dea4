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

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay/platform/llm"
)

// fakeHTTP captures the outgoing request and replies with a canned
// response.
type fakeHTTP struct {
	lastReq  *http.Request
	lastBody map[string]interface{}
	status   int
	reply    string
	err      error
}

func (f *fakeHTTP) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(raw, &f.lastBody)
	}
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(f.reply))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

func chatReply(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":"` + content + `"}}],"usage":{"prompt_tokens":12,"completion_tokens":7}}`
}

func newTestProvider(fake *fakeHTTP) *Provider {
	p := NewProvider(Config{APIKey: "test-key"})
	p.SetHTTPClient(fake)
	return p
}

func TestConfigured(t *testing.T) {
	assert.True(t, NewProvider(Config{APIKey: "k"}).Configured())
	assert.False(t, NewProvider(Config{}).Configured())
}

func TestChat(t *testing.T) {
	fake := &fakeHTTP{reply: chatReply("hello")}
	p := newTestProvider(fake)

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature: 0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content())
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)

	assert.Equal(t, "Bearer test-key", fake.lastReq.Header.Get("Authorization"))
	assert.Equal(t, DefaultChatModel, fake.lastBody["model"])
	assert.Equal(t, 0.7, fake.lastBody["temperature"])
	_, hasFormat := fake.lastBody["response_format"]
	assert.False(t, hasFormat)
}

func TestChatVisionModelForImageParts(t *testing.T) {
	fake := &fakeHTTP{reply: chatReply("a cat")}
	p := newTestProvider(fake)

	_, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: []llm.ContentPart{
				{Type: llm.PartTypeText, Text: "what is this"},
				{Type: llm.PartTypeImageURL, ImageURL: &llm.ImageURL{URL: "https://example.com/cat.jpg"}},
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultVisionModel, fake.lastBody["model"])
}

func TestChatFoldsLegacyFiles(t *testing.T) {
	fake := &fakeHTTP{reply: chatReply("ok")}
	p := newTestProvider(fake)

	_, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be helpful"},
			{Role: llm.RoleUser, Content: "describe the attachment"},
		},
		Files: []llm.File{{Type: llm.FileTypeImage, URL: "https://example.com/x.png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultVisionModel, fake.lastBody["model"])

	messages := fake.lastBody["messages"].([]interface{})
	last := messages[1].(map[string]interface{})
	parts := last["content"].([]interface{})
	require.Len(t, parts, 2)

	text := parts[0].(map[string]interface{})
	assert.Equal(t, "text", text["type"])
	assert.Equal(t, "describe the attachment", text["text"])

	img := parts[1].(map[string]interface{})
	assert.Equal(t, "image_url", img["type"])
	assert.Equal(t, "https://example.com/x.png", img["image_url"].(map[string]interface{})["url"])
}

func TestChatInlineFileBecomesDataURI(t *testing.T) {
	fake := &fakeHTTP{reply: chatReply("ok")}
	p := newTestProvider(fake)

	_, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "look"}},
		Files:    []llm.File{{Type: llm.FileTypeImage, Data: "aGVsbG8=", MimeType: "image/png"}},
	})
	require.NoError(t, err)

	messages := fake.lastBody["messages"].([]interface{})
	parts := messages[0].(map[string]interface{})["content"].([]interface{})
	img := parts[1].(map[string]interface{})
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", img["image_url"].(map[string]interface{})["url"])
}

func TestChatToolsPassthrough(t *testing.T) {
	fake := &fakeHTTP{reply: `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"x\"}"}}]}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`}
	p := newTestProvider(fake)

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "find x"}},
		Tools: []llm.Tool{{Type: "function", Function: llm.ToolFunction{
			Name: "lookup", Parameters: map[string]interface{}{"type": "object"},
		}}},
		ToolChoice: "auto",
	})
	require.NoError(t, err)

	assert.Equal(t, "auto", fake.lastBody["tool_choice"])
	_, hasTools := fake.lastBody["tools"]
	assert.True(t, hasTools)

	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	tc := resp.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "lookup", tc.Function.Name)
	assert.Equal(t, `{"q":"x"}`, tc.Function.Arguments)
	assert.Nil(t, resp.Choices[0].Message.Content)
}

func TestChatJSONMode(t *testing.T) {
	fake := &fakeHTTP{reply: chatReply(`{}`)}
	p := newTestProvider(fake)

	_, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "classify"}},
		ResponseJSON: true,
	})
	require.NoError(t, err)

	format := fake.lastBody["response_format"].(map[string]interface{})
	assert.Equal(t, "json_object", format["type"])
}

func TestChatAPIError(t *testing.T) {
	fake := &fakeHTTP{status: 429, reply: `{"error":{"message":"Rate limit reached","type":"rate_limit_error"}}`}
	p := newTestProvider(fake)

	_, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)

	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "openai", perr.Provider)
	assert.Equal(t, 429, perr.StatusCode)
	assert.Equal(t, "Rate limit reached", perr.Message)
}

func TestChatNetworkError(t *testing.T) {
	fake := &fakeHTTP{err: errors.New("connection refused")}
	p := newTestProvider(fake)

	_, err := p.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "openai", perr.Provider)
}

func TestEmbed(t *testing.T) {
	fake := &fakeHTTP{reply: `{"object":"list","data":[{"object":"embedding","embedding":[0.1,0.2],"index":0}],"model":"text-embedding-3-large","usage":{"prompt_tokens":3,"total_tokens":3}}`}
	p := newTestProvider(fake)

	resp, err := p.Embed(context.Background(), llm.EmbeddingRequest{Input: []string{"hello"}})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, []float64{0.1, 0.2}, resp.Data[0].Embedding)
	assert.Equal(t, DefaultEmbeddingModel, fake.lastBody["model"])
}

func TestTranscribe(t *testing.T) {
	fake := &fakeHTTP{reply: `{"text":"hello world"}`}
	p := newTestProvider(fake)

	text, err := p.Transcribe(context.Background(), []byte("fake-audio"), "note.mp3", "")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	assert.Contains(t, fake.lastReq.Header.Get("Content-Type"), "multipart/form-data")
	assert.Contains(t, fake.lastReq.URL.Path, "/audio/transcriptions")
}

func TestTranscribeError(t *testing.T) {
	fake := &fakeHTTP{status: 400, reply: `{"error":{"message":"Invalid file format"}}`}
	p := newTestProvider(fake)

	_, err := p.Transcribe(context.Background(), []byte("junk"), "x.bin", "")
	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Invalid file format", perr.Message)
}
