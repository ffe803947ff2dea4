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
	"time"

	"github.com/google/uuid"

	"llmrelay/platform/common/usage"
	"llmrelay/platform/llm"
)

// embeddingRequest is the /embeddings request body. Both "texts" and
// the OpenAI-style "input" are accepted.
type embeddingRequest struct {
	Texts          []string `json:"texts,omitempty"`
	Input          []string `json:"input,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
}

// embeddingReply is the OpenAI-compatible embedding response plus the
// accounting metadata block.
type embeddingReply struct {
	Object   string              `json:"object"`
	Data     []llm.EmbeddingData `json:"data"`
	Model    string              `json:"model"`
	Usage    llm.EmbeddingUsage  `json:"usage"`
	Metadata Metadata            `json:"metadata"`
}

// handleEmbeddings serves embeddings synchronously: no queue, no
// worker, straight through the router.
func (s *Service) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "embeddings", http.StatusBadRequest, "Invalid JSON body")
		return
	}

	input := req.Texts
	if len(input) == 0 {
		input = req.Input
	}
	if len(input) == 0 {
		s.writeError(w, "embeddings", http.StatusBadRequest, "texts or input must be a non-empty array")
		return
	}

	tenant := req.OrganizationID
	if tenant == "" {
		tenant = DefaultTenant
	}
	requestID := uuid.New().String()

	primary := s.cfg.EmbeddingProviderOrDefault()
	if req.Provider != "" {
		primary = s.router.Resolve(req.Provider)
	}

	resp, servedBy, err := s.router.Embed(r.Context(), primary, llm.EmbeddingRequest{Input: input})
	if err != nil {
		s.log.Error(tenant, requestID, "Embedding request failed", map[string]interface{}{
			"error": err.Error(),
		})
		s.writeError(w, "embeddings", http.StatusInternalServerError, err.Error())
		return
	}

	elapsed := time.Since(start)
	credits := usage.Credits(usage.QueryTypeEmbed)
	cost := usage.EmbeddingCostUSD(servedBy, resp.Usage.PromptTokens)

	_ = s.recorder.Record(usage.CreditRecord{
		RequestID:      requestID,
		OrgID:          tenant,
		Provider:       servedBy,
		Model:          resp.Model,
		QueryType:      usage.QueryTypeEmbed,
		Credits:        credits,
		PromptTokens:   resp.Usage.PromptTokens,
		CostUSD:        cost,
		ResponseTimeMs: elapsed.Milliseconds(),
		Timestamp:      time.Now().UTC(),
	})

	s.writeJSON(w, "embeddings", http.StatusOK, embeddingReply{
		Object: "list",
		Data:   resp.Data,
		Model:  resp.Model,
		Usage:  resp.Usage,
		Metadata: Metadata{
			RequestID:      requestID,
			Provider:       servedBy,
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
			QueryType:      string(usage.QueryTypeEmbed),
			CreditsUsed:    credits,
			ResponseTimeMs: elapsed.Milliseconds(),
			CostUSD:        usage.FormatCostUSD(cost),
		},
	})
}
