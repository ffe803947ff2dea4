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
	"fmt"
	"math/rand"
	"time"

	"llmrelay/platform/llm"
)

// DefaultTenant is used when a request names no organization.
const DefaultTenant = "default_org"

// Job is one queued chat request. It is self-describing: the worker
// decodes everything it needs from the queue payload alone.
type Job struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	Tenant    string `json:"tenant"`
	Provider  string `json:"provider"`

	Messages    []llm.Message `json:"messages"`
	Files       []llm.File    `json:"files,omitempty"`
	Temperature float64       `json:"temperature"`
	Tools       []llm.Tool    `json:"tools,omitempty"`
	ToolChoice  interface{}   `json:"tool_choice,omitempty"`

	// Ticket fields feed the post-response classifier.
	TicketID         string   `json:"ticket_id,omitempty"`
	Category         string   `json:"category,omitempty"`
	TicketCategories []string `json:"ticket_categories,omitempty"`

	NameUser string `json:"name_user,omitempty"`

	// StartedAt is the admission time in milliseconds since epoch,
	// used for response_time_ms.
	StartedAt int64 `json:"started_at"`
}

// Encode serializes the job for the queue.
func (j *Job) Encode() (string, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return string(raw), nil
}

// DecodeJob parses a queue payload back into a Job.
func DecodeJob(payload string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return &j, nil
}

// ChatRequest builds the canonical request the router consumes.
func (j *Job) ChatRequest() llm.ChatRequest {
	return llm.ChatRequest{
		Messages:    j.Messages,
		Files:       j.Files,
		Temperature: j.Temperature,
		Tools:       j.Tools,
		ToolChoice:  j.ToolChoice,
	}
}

const jobIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewJobID builds a tenant-prefixed id: {tenant}-{msEpoch}-{9 random chars}.
func NewJobID(tenant string) string {
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = jobIDAlphabet[rand.Intn(len(jobIDAlphabet))]
	}
	return fmt.Sprintf("%s-%d-%s", tenant, time.Now().UnixMilli(), suffix)
}

// Result is the terminal outcome published to the result slot.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Encode serializes the result for the slot.
func (r *Result) Encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(raw), nil
}

// DecodeResult parses a result slot payload.
func DecodeResult(payload string) (*Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decode result payload: %w", err)
	}
	return &r, nil
}

// Metadata is the accounting block attached to every successful chat
// and embedding reply.
type Metadata struct {
	RequestID      string  `json:"request_id"`
	Provider       string  `json:"provider"`
	NameUser       string  `json:"nameUser,omitempty"`
	HasFiles       bool    `json:"hasFiles"`
	Timestamp      string  `json:"timestamp"`
	QueryType      string  `json:"query_type"`
	Priority       string  `json:"priority,omitempty"`
	CreditsUsed    float64 `json:"credits_used"`
	ResponseTimeMs int64   `json:"response_time_ms"`
	CostUSD        string  `json:"cost_usd"`
}

// ChatReply is the result-slot payload on success: the canonical
// response plus the metadata block.
type ChatReply struct {
	Choices  []llm.Choice `json:"choices"`
	Usage    llm.Usage    `json:"usage"`
	Model    string       `json:"model,omitempty"`
	Metadata Metadata     `json:"metadata"`
}
