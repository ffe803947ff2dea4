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
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the relay service configuration. Environment variables
// are the primary source; an optional YAML file named by
// RELAY_CONFIG_FILE overlays values the environment left empty.
type Config struct {
	Port string `yaml:"port"`

	RedisHost     string `yaml:"redis_host"`
	RedisPort     string `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`

	OpenAIAPIKey string `yaml:"openai_api_key"`
	GeminiAPIKey string `yaml:"gemini_api_key"`

	// ServiceAPIKey guards the HTTP surface. Empty disables the check.
	ServiceAPIKey string `yaml:"service_api_key"`

	// PrimaryProvider is the default chat provider.
	PrimaryProvider string `yaml:"primary_llm_provider"`

	// EmbeddingProvider overrides the provider for embedding calls.
	// Empty falls back to PrimaryProvider.
	EmbeddingProvider string `yaml:"embedding_provider"`

	// AllowProviderOverride enables per-request provider selection.
	AllowProviderOverride bool `yaml:"allow_provider_override"`

	// WebhookBaseURL and WebhookSecret configure the ticket classifier
	// callback. Empty base URL disables classification.
	WebhookBaseURL string `yaml:"webhook_base_url"`
	WebhookSecret  string `yaml:"webhook_secret"`

	// DatabaseURL enables the PostgreSQL credit ledger when set.
	DatabaseURL string `yaml:"database_url"`
}

// LoadConfig reads configuration from the environment, then overlays
// empty fields from the optional YAML file.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		RedisHost:             getEnv("REDIS_HOST", "localhost"),
		RedisPort:             getEnv("REDIS_PORT", "6379"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		ServiceAPIKey:         os.Getenv("SERVICE_API_KEY"),
		PrimaryProvider:       getEnv("PRIMARY_LLM_PROVIDER", "openai"),
		EmbeddingProvider:     os.Getenv("EMBEDDING_PROVIDER"),
		AllowProviderOverride: strings.EqualFold(os.Getenv("ALLOW_PROVIDER_OVERRIDE"), "true"),
		WebhookBaseURL:        os.Getenv("WEBHOOK_BASE_URL"),
		WebhookSecret:         os.Getenv("WEBHOOK_SECRET"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
	}

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	cfg.PrimaryProvider = strings.ToLower(cfg.PrimaryProvider)
	cfg.EmbeddingProvider = strings.ToLower(cfg.EmbeddingProvider)
	return cfg, nil
}

// overlayFile fills empty fields from a YAML file. Environment values
// always win.
func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	overlay := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	overlay(&c.RedisPassword, file.RedisPassword)
	overlay(&c.OpenAIAPIKey, file.OpenAIAPIKey)
	overlay(&c.GeminiAPIKey, file.GeminiAPIKey)
	overlay(&c.ServiceAPIKey, file.ServiceAPIKey)
	overlay(&c.EmbeddingProvider, file.EmbeddingProvider)
	overlay(&c.WebhookBaseURL, file.WebhookBaseURL)
	overlay(&c.WebhookSecret, file.WebhookSecret)
	overlay(&c.DatabaseURL, file.DatabaseURL)
	if !c.AllowProviderOverride {
		c.AllowProviderOverride = file.AllowProviderOverride
	}
	return nil
}

// EmbeddingProviderOrDefault returns the embedding provider, falling
// back to the primary.
func (c *Config) EmbeddingProviderOrDefault() string {
	if c.EmbeddingProvider != "" {
		return c.EmbeddingProvider
	}
	return c.PrimaryProvider
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
