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

package llm

import (
	"context"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
//
// Adapters translate the canonical request into the provider wire
// format, perform one HTTP call within the configured timeout, and
// translate the reply back. Adapters never retry internally; retries
// belong to the Router.
type Provider interface {
	// Name returns the unique identifier for this provider
	// ("openai", "gemini"). Used for routing, logging, and pricing.
	Name() string

	// Configured reports whether credentials exist for this provider.
	// The router only considers configured providers as fallbacks.
	Configured() bool

	// Chat generates a completion for the given request.
	// The context should be used for cancellation and timeout.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embedding vectors for the given input texts,
	// normalized to the OpenAI-compatible shape.
	Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error)
}
