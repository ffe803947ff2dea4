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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A fresh registry
// per Metrics instance keeps tests independent of each other.
type Metrics struct {
	Registry *prometheus.Registry

	WorkersActive prometheus.Gauge
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	HTTPRequests  *prometheus.CounterVec
	QueueWaits    prometheus.Counter
}

// NewMetrics creates and registers the relay collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmrelay_workers_active",
			Help: "Number of tenant workers currently running in this process.",
		}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_jobs_processed_total",
			Help: "Jobs processed, by serving provider and outcome.",
		}, []string{"provider", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmrelay_job_duration_seconds",
			Help:    "End-to-end job execution time, by serving provider.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_http_requests_total",
			Help: "HTTP requests, by endpoint and status class.",
		}, []string{"endpoint", "status"}),
		QueueWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmrelay_result_wait_timeouts_total",
			Help: "Chat admissions that timed out waiting for a result.",
		}),
	}

	reg.MustRegister(m.WorkersActive, m.JobsProcessed, m.JobDuration, m.HTTPRequests, m.QueueWaits)
	return m
}
