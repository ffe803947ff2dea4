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
	"fmt"
	"net/http"
	"strings"
	"time"

	"llmrelay/platform/llm"
	"llmrelay/platform/shared/logger"
)

// webhookTimeout bounds the classification callback.
const webhookTimeout = 10 * time.Second

// defaultTicketCategories is used when a job carries no category list.
var defaultTicketCategories = []string{"technical", "billing", "account", "feature_request", "general"}

// Classifier asks the LLM to classify a low-priority ticket after its
// chat reply has already been sent, then PUTs the classification to a
// webhook. Entirely fire-and-forget: no failure here can reach the
// caller.
type Classifier struct {
	router     *llm.Router
	webhookURL string
	apiKey     string
	client     *http.Client
	log        *logger.Logger
}

// NewClassifier builds a classifier. Returns nil when no webhook URL
// is configured, which disables classification entirely.
func NewClassifier(router *llm.Router, webhookURL, apiKey string) *Classifier {
	if webhookURL == "" {
		return nil
	}
	return &Classifier{
		router:     router,
		webhookURL: webhookURL,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: webhookTimeout},
		log:        logger.New("ticket-classifier"),
	}
}

// classification is the JSON shape the model is asked to produce.
type classification struct {
	Title    string `json:"title"`
	Category string `json:"category"`
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

// MaybeClassify starts a classification goroutine when the job
// qualifies: a ticket id is present and the category gate matches.
// The gate is the lower-cased literal "low"; other casings of other
// values are not normalized anywhere else.
func (c *Classifier) MaybeClassify(job *Job, resp *llm.ChatResponse) {
	if job.TicketID == "" || strings.ToLower(job.Category) != "low" {
		return
	}
	go c.classify(job, resp.Content())
}

// classify runs the LLM classification and delivers it to the webhook.
func (c *Classifier) classify(job *Job, replyText string) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout+resultWaitDeadline)
	defer cancel()

	categories := job.TicketCategories
	if len(categories) == 0 {
		categories = defaultTicketCategories
	}

	result, err := c.requestClassification(ctx, job, categories, replyText)
	if err != nil {
		c.log.Error(job.Tenant, job.RequestID, "Ticket classification failed", map[string]interface{}{
			"ticket_id": job.TicketID,
			"error":     err.Error(),
		})
		return
	}

	if !contains(categories, result.Category) {
		result.Reason = fmt.Sprintf("Model proposed unknown category %q; coerced to general. %s", result.Category, result.Reason)
		result.Category = "general"
	}

	c.deliver(ctx, job, result)
}

// requestClassification asks the job's provider family for a
// JSON-only classification of the reply.
func (c *Classifier) requestClassification(ctx context.Context, job *Job, categories []string, replyText string) (*classification, error) {
	systemPrompt := fmt.Sprintf(
		"You are a support ticket classifier. Classify the assistant reply below into exactly one of these categories: %s. "+
			"Respond with a JSON object only, with keys: title (short summary), category, priority (low|medium|high), reason.",
		strings.Join(categories, ", "))

	req := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: replyText},
		},
		ResponseJSON: true,
	}

	resp, _, err := c.router.Chat(ctx, job.Provider, req)
	if err != nil {
		return nil, err
	}

	var result classification
	if err := json.Unmarshal([]byte(resp.Content()), &result); err != nil {
		return nil, fmt.Errorf("parse classification reply: %w", err)
	}
	return &result, nil
}

// deliver PUTs the classification to the webhook and logs the outcome.
func (c *Classifier) deliver(ctx context.Context, job *Job, result *classification) {
	body, err := json.Marshal(map[string]string{
		"ticket_id": job.TicketID,
		"title":     result.Title,
		"category":  result.Category,
		"priority":  result.Priority,
		"reason":    result.Reason,
	})
	if err != nil {
		c.log.Error(job.Tenant, job.RequestID, "Failed to encode webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		c.log.Error(job.Tenant, job.RequestID, "Failed to build webhook request", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Error(job.Tenant, job.RequestID, "Webhook delivery failed", map[string]interface{}{
			"ticket_id": job.TicketID,
			"error":     err.Error(),
		})
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn(job.Tenant, job.RequestID, "Webhook returned non-success status", map[string]interface{}{
			"ticket_id": job.TicketID,
			"status":    resp.StatusCode,
		})
		return
	}

	c.log.Info(job.Tenant, job.RequestID, "Ticket classified", map[string]interface{}{
		"ticket_id": job.TicketID,
		"category":  result.Category,
		"priority":  result.Priority,
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
