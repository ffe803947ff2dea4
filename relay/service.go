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

// Package relay implements the multi-tenant LLM relay service: HTTP
// admission, per-tenant queue workers over Redis, result-slot
// coupling, credit accounting, and the post-response ticket
// classifier.
package relay

import (
	"context"
	"sync"
	"time"

	"llmrelay/platform/common/usage"
	"llmrelay/platform/kv"
	"llmrelay/platform/llm"
	"llmrelay/platform/shared/logger"
)

// Transcriber converts audio bytes into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, model string) (string, error)
}

// Service wires the relay components together. One instance serves the
// whole process; all methods are safe for concurrent use.
type Service struct {
	cfg         *Config
	log         *logger.Logger
	store       *kv.Store
	router      *llm.Router
	recorder    *usage.Recorder
	transcriber Transcriber
	classifier  *Classifier
	metrics     *Metrics

	// waitDeadline and pollInterval drive the result-slot waiter.
	// Defaults match the admission contract; tests shrink them.
	waitDeadline time.Duration
	pollInterval time.Duration

	// workers is the process-local registry of running tenant workers.
	// Only chat admission inserts; only a worker's exit path deletes.
	mu      sync.Mutex
	workers map[string]bool
}

// ServiceConfig carries the dependencies of a Service.
type ServiceConfig struct {
	Config      *Config
	Store       *kv.Store
	Router      *llm.Router
	Recorder    *usage.Recorder
	Transcriber Transcriber
	Classifier  *Classifier
	Metrics     *Metrics
	Logger      *logger.Logger
}

// NewService builds a Service from its dependencies.
func NewService(sc ServiceConfig) *Service {
	log := sc.Logger
	if log == nil {
		log = logger.New("relay")
	}
	m := sc.Metrics
	if m == nil {
		m = NewMetrics()
	}
	rec := sc.Recorder
	if rec == nil {
		rec = usage.NewRecorder(nil)
	}
	return &Service{
		cfg:          sc.Config,
		log:          log,
		store:        sc.Store,
		router:       sc.Router,
		recorder:     rec,
		transcriber:  sc.Transcriber,
		classifier:   sc.Classifier,
		metrics:      m,
		waitDeadline: resultWaitDeadline,
		pollInterval: resultPollInterval,
		workers:      make(map[string]bool),
	}
}
