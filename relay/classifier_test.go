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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay/platform/llm"
)

type webhookCall struct {
	method string
	apiKey string
	body   map[string]string
}

func webhookServer(t *testing.T) (*httptest.Server, chan webhookCall) {
	t.Helper()
	calls := make(chan webhookCall, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls <- webhookCall{
			method: r.Method,
			apiKey: r.Header.Get("x-api-key"),
			body:   body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func classifierRouter(reply string) *llm.Router {
	provider := &fakeProvider{name: "openai", configured: true, reply: reply}
	return llm.NewRouter(llm.RouterConfig{DefaultProvider: "openai"}, provider)
}

func classifiedJob() *Job {
	return &Job{
		ID:               "acme-1-abc",
		RequestID:        "req-1",
		Tenant:           "acme",
		Provider:         "openai",
		TicketID:         "T-42",
		Category:         "Low",
		TicketCategories: []string{"technical", "billing", "general"},
	}
}

func chatResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Choices: []llm.Choice{{Message: llm.AssistantMessage{Role: llm.RoleAssistant, Content: &text}}},
	}
}

func TestClassifierDeliversToWebhook(t *testing.T) {
	srv, calls := webhookServer(t)
	c := NewClassifier(
		classifierRouter(`{"title":"Login broken","category":"technical","priority":"high","reason":"auth failure"}`),
		srv.URL, "hook-secret")

	c.MaybeClassify(classifiedJob(), chatResponse("I reset your password."))

	select {
	case call := <-calls:
		assert.Equal(t, http.MethodPut, call.method)
		assert.Equal(t, "hook-secret", call.apiKey)
		assert.Equal(t, "T-42", call.body["ticket_id"])
		assert.Equal(t, "Login broken", call.body["title"])
		assert.Equal(t, "technical", call.body["category"])
		assert.Equal(t, "high", call.body["priority"])
		assert.Equal(t, "auth failure", call.body["reason"])
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestClassifierCoercesUnknownCategory(t *testing.T) {
	srv, calls := webhookServer(t)
	c := NewClassifier(
		classifierRouter(`{"title":"x","category":"wizardry","priority":"low","reason":"original"}`),
		srv.URL, "k")

	c.MaybeClassify(classifiedJob(), chatResponse("done"))

	select {
	case call := <-calls:
		assert.Equal(t, "general", call.body["category"])
		assert.Contains(t, call.body["reason"], "wizardry")
		assert.Contains(t, call.body["reason"], "original")
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestClassifierGate(t *testing.T) {
	srv, calls := webhookServer(t)
	c := NewClassifier(classifierRouter(`{"title":"t","category":"general","priority":"low","reason":"r"}`), srv.URL, "k")

	t.Run("no ticket id", func(t *testing.T) {
		job := classifiedJob()
		job.TicketID = ""
		c.MaybeClassify(job, chatResponse("x"))
	})

	t.Run("category not low", func(t *testing.T) {
		job := classifiedJob()
		job.Category = "high"
		c.MaybeClassify(job, chatResponse("x"))
	})

	t.Run("case-insensitive low passes only the gate value", func(t *testing.T) {
		job := classifiedJob()
		job.Category = "LOW"
		c.MaybeClassify(job, chatResponse("x"))
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatal("LOW should pass the lower-cased gate")
		}
	})

	// The two skipped jobs must not have produced calls.
	select {
	case call := <-calls:
		t.Fatalf("unexpected webhook call: %+v", call)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClassifierUnparseableReplySwallowed(t *testing.T) {
	srv, calls := webhookServer(t)
	c := NewClassifier(classifierRouter("this is not json"), srv.URL, "k")

	c.MaybeClassify(classifiedJob(), chatResponse("x"))

	select {
	case <-calls:
		t.Fatal("webhook must not be called on a parse failure")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewClassifierDisabledWithoutURL(t *testing.T) {
	require.Nil(t, NewClassifier(classifierRouter("{}"), "", "k"))
}

func TestClassifierRequestsJSONReply(t *testing.T) {
	provider := &fakeProvider{name: "openai", configured: true,
		reply: `{"title":"t","category":"general","priority":"low","reason":"r"}`}
	router := llm.NewRouter(llm.RouterConfig{DefaultProvider: "openai"}, provider)
	srv, calls := webhookServer(t)
	c := NewClassifier(router, srv.URL, "k")

	c.MaybeClassify(classifiedJob(), chatResponse("the reply text"))
	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	require.Len(t, provider.seen, 1)
	req := provider.seen[0]
	assert.True(t, req.ResponseJSON, "classifier must ask for a JSON-only reply")
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Text(), "technical, billing, general")
	assert.Equal(t, "the reply text", req.Messages[1].Text())
}
