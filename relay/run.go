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
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"llmrelay/platform/common/usage"
	"llmrelay/platform/kv"
	"llmrelay/platform/llm"
	"llmrelay/platform/llm/gemini"
	"llmrelay/platform/llm/openai"
	"llmrelay/platform/shared/logger"
)

// Run boots the relay service and blocks until a termination signal.
func Run() error {
	log := logger.New("relay")

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := kv.Open(ctx, kv.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	openaiProvider := openai.NewProvider(openai.Config{APIKey: cfg.OpenAIAPIKey})
	geminiProvider := gemini.NewProvider(gemini.Config{APIKey: cfg.GeminiAPIKey})

	router := llm.NewRouter(llm.RouterConfig{
		DefaultProvider: cfg.PrimaryProvider,
		AllowOverride:   cfg.AllowProviderOverride,
	}, openaiProvider, geminiProvider)

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open credit ledger database: %w", err)
		}
		defer func() {
			if db != nil {
				_ = db.Close()
			}
		}()
		if err := db.Ping(); err != nil {
			log.Warn("", "", "Credit ledger database unreachable, falling back to log-only", map[string]interface{}{
				"error": err.Error(),
			})
			_ = db.Close()
			db = nil
		}
	}

	svc := NewService(ServiceConfig{
		Config:      cfg,
		Store:       store,
		Router:      router,
		Recorder:    usage.NewRecorder(db),
		Transcriber: openaiProvider,
		Classifier:  NewClassifier(router, cfg.WebhookBaseURL, cfg.WebhookSecret),
		Logger:      log,
	})

	handler := svc.Routes()

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
		// Reads stay tight; writes must outlive the 180s result wait.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: resultWaitDeadline + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "Relay listening", map[string]interface{}{
			"port":     cfg.Port,
			"provider": cfg.PrimaryProvider,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("", "", "Shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Routes builds the HTTP handler: API routes behind auth, plus the
// unauthenticated health and metrics probes, wrapped in CORS.
func (s *Service) Routes() http.Handler {
	r := mux.NewRouter()

	authed := func(h http.HandlerFunc) http.Handler {
		return s.authMiddleware(h)
	}
	r.Handle("/chat", authed(s.handleChat)).Methods(http.MethodPost)
	r.Handle("/embeddings", authed(s.handleEmbeddings)).Methods(http.MethodPost)
	r.Handle("/audio", authed(s.handleAudio)).Methods(http.MethodPost)
	r.Handle("/image/ocr", authed(s.handleOCR)).Methods(http.MethodPost)

	r.HandleFunc("/test", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "x-service-key"},
	})
	return c.Handler(r)
}
