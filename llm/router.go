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

	"llmrelay/platform/shared/logger"
)

// Router dispatches canonical requests to a primary provider and, on
// any failure, retries once against the first remaining provider that
// has credentials.
//
// The candidate list is filtered for credentials only at fallback
// time: a primary without credentials is still attempted first and
// falls back on its auth error.
type Router struct {
	providers map[string]Provider
	order     []string
	def       string
	override  bool
	logger    *logger.Logger
}

// RouterConfig configures the Router.
type RouterConfig struct {
	// DefaultProvider is used when a request names no provider, an
	// unknown provider, or overrides are disabled.
	DefaultProvider string

	// AllowOverride enables per-request provider selection.
	AllowOverride bool

	// Logger is the structured logger. If nil, a default is created.
	Logger *logger.Logger
}

// NewRouter creates a Router over the given providers.
// Provider order determines fallback candidate order.
func NewRouter(cfg RouterConfig, providers ...Provider) *Router {
	r := &Router{
		providers: make(map[string]Provider, len(providers)),
		def:       cfg.DefaultProvider,
		override:  cfg.AllowOverride,
		logger:    cfg.Logger,
	}
	if r.logger == nil {
		r.logger = logger.New("llm-router")
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	if r.def == "" && len(r.order) > 0 {
		r.def = r.order[0]
	}
	return r
}

// Resolve selects the provider for a request at admission time.
// The requested name is honored only when overrides are enabled and
// the provider is registered; anything else is coerced to the default,
// never surfaced as an error.
func (r *Router) Resolve(requested string) string {
	if requested != "" && r.override {
		if _, ok := r.providers[requested]; ok {
			return requested
		}
		r.logger.Warn("", "", "Unknown provider requested, using default", map[string]interface{}{
			"requested": requested,
			"default":   r.def,
		})
	}
	return r.def
}

// Default returns the configured default provider name.
func (r *Router) Default() string {
	return r.def
}

// Provider returns a registered provider by name.
func (r *Router) Provider(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Chat routes a chat request to the primary provider with one fallback
// attempt. It returns the response and the name of the provider that
// actually served it.
func (r *Router) Chat(ctx context.Context, primary string, req ChatRequest) (*ChatResponse, string, error) {
	p, ok := r.providers[primary]
	if !ok {
		primary = r.def
		p = r.providers[primary]
	}

	resp, err := p.Chat(ctx, req)
	if err == nil {
		return resp, primary, nil
	}

	fallback := r.fallbackFor(primary)
	if fallback == nil {
		r.logger.Error("", "", "Primary provider failed, no fallback available", map[string]interface{}{
			"provider": primary,
			"error":    err.Error(),
		})
		return nil, "", &AllProvidersFailedError{Primary: primary, PrimaryErr: err}
	}

	r.logger.Warn("", "", "Primary provider failed, falling back", map[string]interface{}{
		"provider": primary,
		"fallback": fallback.Name(),
		"error":    err.Error(),
	})

	resp, ferr := fallback.Chat(ctx, req)
	if ferr != nil {
		return nil, "", &AllProvidersFailedError{
			Primary:     primary,
			Fallback:    fallback.Name(),
			PrimaryErr:  err,
			FallbackErr: ferr,
		}
	}
	return resp, fallback.Name(), nil
}

// Embed routes an embedding request with the same fallback law as Chat.
func (r *Router) Embed(ctx context.Context, primary string, req EmbeddingRequest) (*EmbeddingResponse, string, error) {
	p, ok := r.providers[primary]
	if !ok {
		primary = r.def
		p = r.providers[primary]
	}

	resp, err := p.Embed(ctx, req)
	if err == nil {
		return resp, primary, nil
	}

	fallback := r.fallbackFor(primary)
	if fallback == nil {
		return nil, "", &AllProvidersFailedError{Primary: primary, PrimaryErr: err}
	}

	r.logger.Warn("", "", "Primary embedding provider failed, falling back", map[string]interface{}{
		"provider": primary,
		"fallback": fallback.Name(),
		"error":    err.Error(),
	})

	resp, ferr := fallback.Embed(ctx, req)
	if ferr != nil {
		return nil, "", &AllProvidersFailedError{
			Primary:     primary,
			Fallback:    fallback.Name(),
			PrimaryErr:  err,
			FallbackErr: ferr,
		}
	}
	return resp, fallback.Name(), nil
}

// fallbackFor returns the first configured provider other than the
// failed primary, or nil when none exists.
func (r *Router) fallbackFor(failed string) Provider {
	for _, name := range r.order {
		if name == failed {
			continue
		}
		if p := r.providers[name]; p.Configured() {
			return p
		}
	}
	return nil
}
