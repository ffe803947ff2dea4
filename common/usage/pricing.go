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

import "fmt"

// QueryType classifies a request for credit accounting.
type QueryType string

const (
	QueryTypeBasic    QueryType = "basic_query"
	QueryTypeFile     QueryType = "file_search"
	QueryTypeDocument QueryType = "document_analysis"
	QueryTypeImage    QueryType = "image_analysis"
	QueryTypeComplex  QueryType = "complex_query"
	QueryTypeEmbed    QueryType = "embedding"
)

// creditTable maps a query type to the credits charged per call.
var creditTable = map[QueryType]float64{
	QueryTypeBasic:    1,
	QueryTypeFile:     2,
	QueryTypeDocument: 3,
	QueryTypeImage:    4,
	QueryTypeComplex:  5,
	QueryTypeEmbed:    0.5,
}

// ProviderPricing contains per-token USD pricing for one provider family.
type ProviderPricing struct {
	ChatInputPerToken  float64
	ChatOutputPerToken float64
	EmbeddingPerToken  float64
}

// providerPricing maps provider names to pricing.
var providerPricing = map[string]ProviderPricing{
	"openai": {ChatInputPerToken: 1.5e-7, ChatOutputPerToken: 6e-7, EmbeddingPerToken: 2e-8},
	"gemini": {ChatInputPerToken: 7.5e-8, ChatOutputPerToken: 3e-7, EmbeddingPerToken: 2.5e-8},
}

// Credits returns the credits charged for a query type.
// Unknown types are charged at the basic rate.
func Credits(qt QueryType) float64 {
	if c, ok := creditTable[qt]; ok {
		return c
	}
	return creditTable[QueryTypeBasic]
}

// ChatCostUSD calculates the monetary cost of a chat call.
// Unknown providers cost zero rather than failing the request path.
func ChatCostUSD(provider string, promptTokens, completionTokens int) float64 {
	pricing, ok := providerPricing[provider]
	if !ok {
		return 0
	}
	return float64(promptTokens)*pricing.ChatInputPerToken +
		float64(completionTokens)*pricing.ChatOutputPerToken
}

// EmbeddingCostUSD calculates the monetary cost of an embedding call.
func EmbeddingCostUSD(provider string, tokens int) float64 {
	pricing, ok := providerPricing[provider]
	if !ok {
		return 0
	}
	return float64(tokens) * pricing.EmbeddingPerToken
}

// GetProviderPricing returns the pricing for a provider family.
func GetProviderPricing(provider string) (ProviderPricing, bool) {
	pricing, ok := providerPricing[provider]
	return pricing, ok
}

// FormatCostUSD renders a cost for logs (e.g. 0.0000123 -> "$0.000012").
func FormatCostUSD(cost float64) string {
	return fmt.Sprintf("$%.6f", cost)
}
