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

package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"llmrelay/platform/kv"
	"llmrelay/platform/llm"
)

// fakeProvider is a scriptable llm.Provider for service tests.
type fakeProvider struct {
	mu         sync.Mutex
	name       string
	configured bool
	chatErr    error
	reply      string
	delay      time.Duration
	chatCalls  int
	seen       []llm.ChatRequest
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.seen = append(f.seen, req)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	content := f.reply
	if content == "" {
		content = "fake reply"
	}
	return &llm.ChatResponse{
		Choices: []llm.Choice{{Message: llm.AssistantMessage{Role: llm.RoleAssistant, Content: &content}}},
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5},
		Model:   f.name + "-model",
	}, nil
}

func (f *fakeProvider) Embed(_ context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	data := make([]llm.EmbeddingData, len(req.Input))
	for i := range req.Input {
		data[i] = llm.EmbeddingData{Object: "embedding", Embedding: []float64{0.1, 0.2}, Index: i}
	}
	return &llm.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  f.name + "-embed",
		Usage:  llm.EmbeddingUsage{PromptTokens: 3, TotalTokens: 3},
	}, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls
}

// fakeTranscriber satisfies Transcriber for media tests.
type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _, _ string) (string, error) {
	return f.text, f.err
}

// testService builds a Service over miniredis with the given provider
// as "openai" and an unconfigured "gemini" alongside it.
func testService(t *testing.T, primary *fakeProvider) (*Service, *kv.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := kv.Open(context.Background(), kv.Config{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	secondary := &fakeProvider{name: "gemini"}
	router := llm.NewRouter(llm.RouterConfig{
		DefaultProvider: "openai",
		AllowOverride:   true,
	}, primary, secondary)

	svc := NewService(ServiceConfig{
		Config:      &Config{Port: "0", PrimaryProvider: "openai"},
		Store:       store,
		Router:      router,
		Transcriber: &fakeTranscriber{text: "transcribed"},
	})
	return svc, store
}
