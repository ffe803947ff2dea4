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
	"time"

	"llmrelay/platform/common/usage"
	"llmrelay/platform/kv"
)

const (
	// lockTTL must exceed the longest permitted single-job duration
	// (180s provider timeout) with margin.
	lockTTL = 300 * time.Second

	// resultTTL bounds how long an unconsumed result sits in its slot.
	resultTTL = 300 * time.Second

	// popTimeout bounds idle wake-up latency for the cleanup check.
	popTimeout = 1 * time.Second
)

// EnsureWorker spawns a worker goroutine for the tenant unless one is
// already registered in this process. The KV lock still guards against
// workers on other nodes.
func (s *Service) EnsureWorker(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[tenant] {
		return
	}
	s.workers[tenant] = true
	go s.runWorker(tenant)
}

// deregisterWorker removes the tenant from the local registry.
func (s *Service) deregisterWorker(tenant string) {
	s.mu.Lock()
	delete(s.workers, tenant)
	s.mu.Unlock()
}

// WorkerRunning reports whether a local worker exists for the tenant.
func (s *Service) WorkerRunning(tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[tenant]
}

// runWorker is the per-tenant worker loop. It holds the tenant lock
// for its whole life and exits only after the atomic empty-queue
// cleanup releases the lock, so a queue push can never race a
// shutdown.
func (s *Service) runWorker(tenant string) {
	ctx := context.Background()

	acquired, err := s.store.SetNX(ctx, kv.LockKey(tenant), "1", lockTTL)
	if err != nil || !acquired {
		if err != nil {
			s.log.Error(tenant, "", "Worker lock acquisition failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		// Another worker (possibly on another node) owns the tenant.
		s.deregisterWorker(tenant)
		return
	}

	s.log.Info(tenant, "", "Worker started", nil)
	s.metrics.WorkersActive.Inc()
	defer s.metrics.WorkersActive.Dec()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error(tenant, "", "Worker crashed, releasing lock", map[string]interface{}{
				"panic": r,
			})
			_ = s.store.Del(context.Background(), kv.LockKey(tenant))
			s.deregisterWorker(tenant)
		}
	}()

	for {
		payload, err := s.store.BLPop(ctx, popTimeout, kv.QueueKey(tenant))
		if errors.Is(err, kv.ErrNotFound) {
			released, relErr := s.store.ReleaseIfEmpty(ctx, tenant)
			if relErr != nil {
				s.log.Error(tenant, "", "Cleanup script failed", map[string]interface{}{
					"error": relErr.Error(),
				})
				continue
			}
			if released {
				s.log.Info(tenant, "", "Queue empty, worker exiting", nil)
				s.deregisterWorker(tenant)
				return
			}
			// A job arrived between the pop and the check.
			continue
		}
		if err != nil {
			s.log.Error(tenant, "", "Queue pop failed, worker exiting", map[string]interface{}{
				"error": err.Error(),
			})
			_ = s.store.Del(ctx, kv.LockKey(tenant))
			s.deregisterWorker(tenant)
			return
		}

		s.processJob(ctx, tenant, payload)
	}
}

// processJob executes one queue payload end to end and publishes the
// outcome into the job's result slot. Errors terminate in the slot,
// never the worker loop.
func (s *Service) processJob(ctx context.Context, tenant, payload string) {
	start := time.Now()

	job, err := DecodeJob(payload)
	if err != nil {
		s.log.Error(tenant, "", "Dropping undecodable job payload", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	s.log.Info(tenant, job.RequestID, "Processing job", map[string]interface{}{
		"job_id":   job.ID,
		"provider": job.Provider,
	})

	resp, servedBy, err := s.router.Chat(ctx, job.Provider, job.ChatRequest())
	if err != nil {
		s.metrics.JobsProcessed.WithLabelValues(job.Provider, "error").Inc()
		s.publishResult(ctx, job, &Result{Success: false, Error: err.Error()})
		s.log.Error(tenant, job.RequestID, "Job failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return
	}

	queryType := usage.DetectQueryType(job.Messages, job.Files)
	credits := usage.Credits(queryType)
	cost := usage.ChatCostUSD(servedBy, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	elapsed := time.Since(start)

	reply := ChatReply{
		Choices: resp.Choices,
		Usage:   resp.Usage,
		Model:   resp.Model,
		Metadata: Metadata{
			RequestID:      job.RequestID,
			Provider:       servedBy,
			NameUser:       job.NameUser,
			HasFiles:       len(job.Files) > 0,
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
			QueryType:      string(queryType),
			Priority:       job.Category,
			CreditsUsed:    credits,
			ResponseTimeMs: elapsed.Milliseconds(),
			CostUSD:        usage.FormatCostUSD(cost),
		},
	}

	data, err := json.Marshal(reply)
	if err != nil {
		s.publishResult(ctx, job, &Result{Success: false, Error: err.Error()})
		return
	}
	s.publishResult(ctx, job, &Result{Success: true, Data: data})

	s.metrics.JobsProcessed.WithLabelValues(servedBy, "success").Inc()
	s.metrics.JobDuration.WithLabelValues(servedBy).Observe(elapsed.Seconds())

	_ = s.recorder.Record(usage.CreditRecord{
		RequestID:        job.RequestID,
		OrgID:            tenant,
		Provider:         servedBy,
		Model:            resp.Model,
		QueryType:        queryType,
		Credits:          credits,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          cost,
		ResponseTimeMs:   elapsed.Milliseconds(),
		Timestamp:        time.Now().UTC(),
	})

	if s.classifier != nil {
		s.classifier.MaybeClassify(job, resp)
	}

	s.log.InfoWithDuration(tenant, job.RequestID, "Job completed", float64(elapsed.Milliseconds()), map[string]interface{}{
		"job_id":     job.ID,
		"provider":   servedBy,
		"query_type": string(queryType),
		"credits":    credits,
	})
}

// publishResult writes the terminal outcome into the result slot.
// A slot write failure leaves the waiter to its timeout; there is no
// second channel to signal through.
func (s *Service) publishResult(ctx context.Context, job *Job, res *Result) {
	payload, err := res.Encode()
	if err != nil {
		s.log.Error(job.Tenant, job.RequestID, "Failed to encode result", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return
	}
	if err := s.store.SetEX(ctx, kv.ResultKey(job.ID), payload, resultTTL); err != nil {
		s.log.Error(job.Tenant, job.RequestID, "Failed to publish result", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}
