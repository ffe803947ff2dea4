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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmrelay/platform/kv"
	"llmrelay/platform/llm"
)

func enqueueJob(t *testing.T, store *kv.Store, job *Job) {
	t.Helper()
	payload, err := job.Encode()
	require.NoError(t, err)
	require.NoError(t, store.RPush(context.Background(), kv.QueueKey(job.Tenant), payload))
}

func newTestJob(tenant, text string) *Job {
	return &Job{
		ID:        NewJobID(tenant),
		RequestID: "req-" + tenant,
		Tenant:    tenant,
		Provider:  "openai",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: text}},
		StartedAt: time.Now().UnixMilli(),
	}
}

func awaitResult(t *testing.T, store *kv.Store, jobID string) *Result {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		payload, err := store.Get(context.Background(), kv.ResultKey(jobID))
		if errors.Is(err, kv.ErrNotFound) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		res, err := DecodeResult(payload)
		require.NoError(t, err)
		return res
	}
	t.Fatalf("no result for job %s", jobID)
	return nil
}

func awaitWorkerExit(t *testing.T, svc *Service, tenant string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !svc.WorkerRunning(tenant) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker for %s did not exit", tenant)
}

func TestWorkerProcessesJob(t *testing.T) {
	provider := &fakeProvider{name: "openai", configured: true, reply: "hello there"}
	svc, store := testService(t, provider)

	job := newTestJob("acme", "hi")
	enqueueJob(t, store, job)
	svc.EnsureWorker("acme")

	res := awaitResult(t, store, job.ID)
	require.True(t, res.Success)

	var reply ChatReply
	require.NoError(t, json.Unmarshal(res.Data, &reply))
	require.Len(t, reply.Choices, 1)
	assert.Equal(t, "hello there", *reply.Choices[0].Message.Content)
	assert.Equal(t, "openai", reply.Metadata.Provider)
	assert.Equal(t, "basic_query", reply.Metadata.QueryType)
	assert.Equal(t, 1.0, reply.Metadata.CreditsUsed)
	assert.NotEmpty(t, reply.Metadata.Timestamp)
	assert.NotEmpty(t, reply.Metadata.CostUSD)
}

func TestWorkerFIFOOrder(t *testing.T) {
	provider := &fakeProvider{name: "openai", configured: true}
	svc, store := testService(t, provider)

	jobs := make([]*Job, 5)
	for i := range jobs {
		jobs[i] = newTestJob("acme", "hi")
		enqueueJob(t, store, jobs[i])
	}
	svc.EnsureWorker("acme")

	// Every admitted job resolves, in admission order at the provider.
	for _, job := range jobs {
		res := awaitResult(t, store, job.ID)
		assert.True(t, res.Success)
	}
	assert.Equal(t, 5, provider.calls())
}

func TestWorkerSingletonPerTenant(t *testing.T) {
	provider := &fakeProvider{name: "openai", configured: true}
	svc, store := testService(t, provider)

	job := newTestJob("acme", "hi")
	enqueueJob(t, store, job)

	// Repeated admissions must not spawn extra workers.
	svc.EnsureWorker("acme")
	svc.EnsureWorker("acme")
	svc.EnsureWorker("acme")

	res := awaitResult(t, store, job.ID)
	assert.True(t, res.Success)
	assert.Equal(t, 1, provider.calls())
}

func TestWorkerIdleCleanup(t *testing.T) {
	provider := &fakeProvider{name: "openai", configured: true}
	svc, store := testService(t, provider)

	job := newTestJob("acme", "hi")
	enqueueJob(t, store, job)
	svc.EnsureWorker("acme")

	res := awaitResult(t, store, job.ID)
	require.True(t, res.Success)

	// After draining, the worker must release the lock and deregister.
	awaitWorkerExit(t, svc, "acme")
	_, err := store.Get(context.Background(), kv.LockKey("acme"))
	assert.ErrorIs(t, err, kv.ErrNotFound, "lock must be released on idle exit")
}

func TestWorkerRespawnAfterExit(t *testing.T) {
	provider := &fakeProvider{name: "openai", configured: true}
	svc, store := testService(t, provider)

	first := newTestJob("acme", "hi")
	enqueueJob(t, store, first)
	svc.EnsureWorker("acme")
	require.True(t, awaitResult(t, store, first.ID).Success)
	awaitWorkerExit(t, svc, "acme")

	second := newTestJob("acme", "again")
	enqueueJob(t, store, second)
	svc.EnsureWorker("acme")
	assert.True(t, awaitResult(t, store, second.ID).Success)
}

func TestWorkerJobFailureLandsInSlot(t *testing.T) {
	provider := &fakeProvider{name: "openai", configured: true, chatErr: errors.New("upstream down")}
	svc, store := testService(t, provider)

	job := newTestJob("acme", "hi")
	enqueueJob(t, store, job)
	svc.EnsureWorker("acme")

	res := awaitResult(t, store, job.ID)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "all providers failed")

	// The failed job must not take the worker down before cleanup.
	awaitWorkerExit(t, svc, "acme")
}

func TestWorkerFallbackServesJob(t *testing.T) {
	primary := &fakeProvider{name: "openai", configured: true, chatErr: errors.New("rate limited")}
	svc, store := testService(t, primary)

	// Make the registered gemini provider a viable fallback.
	secondary, ok := svc.router.Provider("gemini")
	require.True(t, ok)
	secondary.(*fakeProvider).configured = true
	secondary.(*fakeProvider).reply = "served by fallback"

	job := newTestJob("acme", "hi")
	enqueueJob(t, store, job)
	svc.EnsureWorker("acme")

	res := awaitResult(t, store, job.ID)
	require.True(t, res.Success)

	var reply ChatReply
	require.NoError(t, json.Unmarshal(res.Data, &reply))
	assert.Equal(t, "gemini", reply.Metadata.Provider)
	assert.Equal(t, "served by fallback", *reply.Choices[0].Message.Content)
}

func TestWorkerSkipsUndecodablePayload(t *testing.T) {
	provider := &fakeProvider{name: "openai", configured: true}
	svc, store := testService(t, provider)

	require.NoError(t, store.RPush(context.Background(), kv.QueueKey("acme"), "not json"))
	job := newTestJob("acme", "hi")
	enqueueJob(t, store, job)
	svc.EnsureWorker("acme")

	// The bad payload is dropped, the good one still runs.
	res := awaitResult(t, store, job.ID)
	assert.True(t, res.Success)
}

func TestDetectQueryTypeFlowsIntoMetadata(t *testing.T) {
	provider := &fakeProvider{name: "openai", configured: true}
	svc, store := testService(t, provider)

	job := newTestJob("acme", "")
	job.Messages = []llm.Message{{
		Role: llm.RoleUser,
		Content: []llm.ContentPart{
			{Type: llm.PartTypeText, Text: "what is this?"},
			{Type: llm.PartTypeImageURL, ImageURL: &llm.ImageURL{URL: "https://host/x.jpg"}},
		},
	}}
	enqueueJob(t, store, job)
	svc.EnsureWorker("acme")

	res := awaitResult(t, store, job.ID)
	require.True(t, res.Success)

	var reply ChatReply
	require.NoError(t, json.Unmarshal(res.Data, &reply))
	assert.Equal(t, "image_analysis", reply.Metadata.QueryType)
	assert.Equal(t, 4.0, reply.Metadata.CreditsUsed)
}
