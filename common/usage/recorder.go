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

package usage

import (
	"database/sql"
	"log"
	"time"
)

// Recorder persists per-call credit records to the database.
// A nil database is valid: records are then logged only, which keeps
// the request path independent of ledger availability.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder over an optional database connection.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// CreditRecord is one ledger entry for a completed call.
type CreditRecord struct {
	RequestID        string
	OrgID            string
	Provider         string
	Model            string
	QueryType        QueryType
	Credits          float64
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	ResponseTimeMs   int64
	Timestamp        time.Time
}

// Record writes a credit record. Errors are logged but never propagate:
// billing must not fail a request that already succeeded upstream.
func (r *Recorder) Record(record CreditRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	if r.db == nil {
		log.Printf("[USAGE] org=%s request=%s type=%s credits=%.1f cost=%s tokens=%d/%d",
			record.OrgID, record.RequestID, record.QueryType, record.Credits,
			FormatCostUSD(record.CostUSD), record.PromptTokens, record.CompletionTokens)
		return nil
	}

	_, err := r.db.Exec(`
		INSERT INTO credit_records (
			request_id, org_id, provider, model, query_type, credits,
			prompt_tokens, completion_tokens, cost_usd, response_time_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, record.RequestID, record.OrgID, record.Provider, nullString(record.Model),
		string(record.QueryType), record.Credits, record.PromptTokens,
		record.CompletionTokens, record.CostUSD, record.ResponseTimeMs,
		record.Timestamp)

	if err != nil {
		log.Printf("[USAGE] Failed to record credit usage: %v", err)
	}

	return err
}

// nullString converts an empty string to NULL for database insertion
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
