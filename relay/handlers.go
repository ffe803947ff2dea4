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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"llmrelay/platform/kv"
	"llmrelay/platform/llm"
)

const (
	// resultWaitDeadline is the wall-clock limit for one chat admission.
	resultWaitDeadline = 180 * time.Second

	// resultPollInterval is the result-slot polling period.
	resultPollInterval = 100 * time.Millisecond
)

// chatRequest is the /chat request body.
type chatRequest struct {
	Messages         json.RawMessage `json:"messages"`
	Files            []llm.File      `json:"files,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	OrganizationID   string          `json:"organization_id,omitempty"`
	Category         string          `json:"category,omitempty"`
	NameUser         string          `json:"nameUser,omitempty"`
	TicketID         string          `json:"ticket_id,omitempty"`
	TicketCategories []string        `json:"ticket_categories,omitempty"`
	Tools            []llm.Tool      `json:"tools,omitempty"`
	ToolChoice       interface{}     `json:"tool_choice,omitempty"`
}

// handleChat admits a chat job: validate, enqueue, ensure a worker,
// then wait on the result slot.
func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "chat", http.StatusBadRequest, "Invalid JSON body")
		return
	}

	messages, ok := decodeMessages(req.Messages)
	if !ok {
		s.writeError(w, "chat", http.StatusBadRequest, "messages must be a non-empty array")
		return
	}

	tenant := req.OrganizationID
	if tenant == "" {
		tenant = DefaultTenant
	}

	temperature := 0.7
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	requestID := uuid.New().String()
	job := &Job{
		ID:               NewJobID(tenant),
		RequestID:        requestID,
		Tenant:           tenant,
		Provider:         s.router.Resolve(req.Provider),
		Messages:         messages,
		Files:            req.Files,
		Temperature:      temperature,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
		TicketID:         req.TicketID,
		Category:         req.Category,
		TicketCategories: req.TicketCategories,
		NameUser:         req.NameUser,
		StartedAt:        time.Now().UnixMilli(),
	}

	payload, err := job.Encode()
	if err != nil {
		s.writeError(w, "chat", http.StatusInternalServerError, "Failed to encode job")
		return
	}

	ctx := r.Context()
	if err := s.store.RPush(ctx, kv.QueueKey(tenant), payload); err != nil {
		s.log.Error(tenant, requestID, "Failed to enqueue job", map[string]interface{}{
			"error": err.Error(),
		})
		s.writeError(w, "chat", http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	s.EnsureWorker(tenant)

	s.log.Info(tenant, requestID, "Job admitted", map[string]interface{}{
		"job_id":   job.ID,
		"provider": job.Provider,
	})

	s.waitForResult(w, job)
}

// decodeMessages enforces that messages is a non-empty JSON array.
func decodeMessages(raw json.RawMessage) ([]llm.Message, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var messages []llm.Message
	if err := json.Unmarshal(trimmed, &messages); err != nil {
		return nil, false
	}
	if len(messages) == 0 {
		return nil, false
	}
	return messages, true
}

// waitForResult polls the job's result slot until a result is
// published or the wall-clock deadline passes. The wait deliberately
// ignores the client connection state: a dropped connection must not
// abort a job that is still running.
func (s *Service) waitForResult(w http.ResponseWriter, job *Job) {
	// Not the request context: a dropped client connection must not
	// cancel the poll.
	ctx := context.Background()
	deadline := time.Now().Add(s.waitDeadline)
	key := kv.ResultKey(job.ID)

	for time.Now().Before(deadline) {
		payload, err := s.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			time.Sleep(s.pollInterval)
			continue
		}
		if err != nil {
			s.log.Error(job.Tenant, job.RequestID, "Result poll failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
			time.Sleep(s.pollInterval)
			continue
		}

		// Exactly one reader consumes the slot.
		_ = s.store.Del(ctx, key)

		res, err := DecodeResult(payload)
		if err != nil {
			s.writeError(w, "chat", http.StatusInternalServerError, "Malformed result payload")
			return
		}
		if !res.Success {
			s.writeError(w, "chat", http.StatusInternalServerError, res.Error)
			return
		}
		s.writeRaw(w, "chat", http.StatusOK, res.Data)
		return
	}

	s.metrics.QueueWaits.Inc()
	s.log.Warn(job.Tenant, job.RequestID, "Result wait timed out", map[string]interface{}{
		"job_id": job.ID,
	})
	s.writeError(w, "chat", http.StatusInternalServerError, "Timeout")
}

// handleHealth is the liveness probe.
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, "test", http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "llm-relay",
	})
}

// authMiddleware rejects requests without the expected service key.
// An empty configured key disables the check.
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ServiceAPIKey != "" && r.Header.Get("x-service-key") != s.cfg.ServiceAPIKey {
			s.writeError(w, r.URL.Path, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response and counts it.
func (s *Service) writeJSON(w http.ResponseWriter, endpoint string, status int, body interface{}) {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"Failed to encode response"}`)
	}
	s.writeRaw(w, endpoint, status, raw)
}

// writeError writes a JSON error body.
func (s *Service) writeError(w http.ResponseWriter, endpoint string, status int, message string) {
	s.writeJSON(w, endpoint, status, map[string]string{"error": message})
}

// writeRaw writes pre-encoded JSON.
func (s *Service) writeRaw(w http.ResponseWriter, endpoint string, status int, body []byte) {
	s.metrics.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
