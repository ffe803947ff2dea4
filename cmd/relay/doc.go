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

// Command relay runs the multi-tenant LLM relay: an HTTP front-end
// over per-tenant Redis job queues with provider fallback between
// OpenAI and Gemini.
//
// Configuration is environment-driven:
//
//	PORT                     HTTP listen port (default 8080)
//	REDIS_HOST, REDIS_PORT   Redis address (default localhost:6379)
//	REDIS_PASSWORD           Redis auth, if any
//	OPENAI_API_KEY           OpenAI credentials
//	GEMINI_API_KEY           Gemini credentials
//	SERVICE_API_KEY          expected x-service-key header; empty disables auth
//	PRIMARY_LLM_PROVIDER     default chat provider (default "openai")
//	EMBEDDING_PROVIDER       provider for /embeddings (default: primary)
//	ALLOW_PROVIDER_OVERRIDE  "true" enables per-request provider selection
//	WEBHOOK_BASE_URL         ticket classifier callback; empty disables it
//	WEBHOOK_SECRET           x-api-key sent with the callback
//	DATABASE_URL             PostgreSQL credit ledger; empty logs usage only
//	RELAY_CONFIG_FILE        optional YAML file overlaying empty values
package main
