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

// Package kv is the gateway to the shared Redis store holding the
// per-tenant job queues, worker locks, and result slots. It exposes
// only the small set of primitives the relay uses; callers never touch
// a Redis client directly.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"llmrelay/platform/shared/logger"
)

// Key prefixes. One queue and one lock per tenant, one result slot
// per job.
const (
	queuePrefix  = "queue:"
	lockPrefix   = "lock:"
	resultPrefix = "result:"
)

// ErrNotFound is returned when a key does not exist or a blocking pop
// times out without an element.
var ErrNotFound = errors.New("kv: not found")

// releaseScript atomically deletes the tenant lock only while the
// queue is empty. Returns 1 when the lock was released, 0 when a job
// arrived between the worker's last pop and this check.
const releaseScript = `if redis.call('LLEN', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[2])
	return 1
else
	return 0
end`

// Store wraps two Redis connections: cmd for regular commands and
// blocking for BLPOP, so a parked pop never starves unrelated
// commands.
type Store struct {
	cmd      *redis.Client
	blocking *redis.Client
	logger   *logger.Logger
}

// Config contains Redis connection settings.
type Config struct {
	Host       string
	Port       string
	Password   string
	DB         int
	MaxRetries int // bounded retries per command (default: 3)
}

// Addr returns the host:port address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Open connects both clients and verifies the command connection with
// a ping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	opts := &redis.Options{
		Addr:       cfg.Addr(),
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: cfg.MaxRetries,
	}

	s := &Store{
		cmd:      redis.NewClient(opts),
		blocking: redis.NewClient(opts),
		logger:   logger.New("kv"),
	}

	if err := s.cmd.Ping(ctx).Err(); err != nil {
		_ = s.cmd.Close()
		_ = s.blocking.Close()
		return nil, fmt.Errorf("kv: redis ping failed: %w", err)
	}

	s.logger.Info("", "", "Connected to Redis", map[string]interface{}{
		"addr": cfg.Addr(),
	})
	return s, nil
}

// QueueKey returns the job queue key for a tenant.
func QueueKey(tenant string) string {
	return queuePrefix + tenant
}

// LockKey returns the worker lock key for a tenant.
func LockKey(tenant string) string {
	return lockPrefix + tenant
}

// ResultKey returns the result slot key for a job.
func ResultKey(jobID string) string {
	return resultPrefix + jobID
}

// RPush appends a value to the tail of a list.
func (s *Store) RPush(ctx context.Context, key string, value string) error {
	return s.cmd.RPush(ctx, key, value).Err()
}

// BLPop pops the head of a list, blocking up to timeout on the
// dedicated blocking connection. Returns ErrNotFound when the wait
// expires without an element.
func (s *Store) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := s.blocking.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	// BLPOP replies [key, value].
	if len(res) < 2 {
		return "", ErrNotFound
	}
	return res[1], nil
}

// SetNX sets a key only if it does not exist, with a TTL.
// Returns true when the key was set.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.cmd.SetNX(ctx, key, value, ttl).Result()
}

// SetEX sets a key with a TTL, overwriting any existing value.
func (s *Store) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.cmd.Set(ctx, key, value, ttl).Err()
}

// Get reads a key. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.cmd.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.cmd.Del(ctx, keys...).Err()
}

// ReleaseIfEmpty atomically releases the tenant lock if its queue is
// empty. Returns true when the lock was released, false when the queue
// still holds jobs and the lock must be kept.
func (s *Store) ReleaseIfEmpty(ctx context.Context, tenant string) (bool, error) {
	res, err := s.cmd.Eval(ctx, releaseScript, []string{QueueKey(tenant), LockKey(tenant)}).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// QueueLen returns the current length of a tenant's queue.
func (s *Store) QueueLen(ctx context.Context, tenant string) (int64, error) {
	return s.cmd.LLen(ctx, QueueKey(tenant)).Result()
}

// Close closes both connections.
func (s *Store) Close() error {
	cmdErr := s.cmd.Close()
	blockErr := s.blocking.Close()
	if cmdErr != nil {
		return cmdErr
	}
	return blockErr
}
