/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carverauto/fleetwatch/pkg/logger"
)

// flightGuard skips a key while a previous attempt for it is running. The
// optional lease extends the guard to other daemon replicas.
type flightGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	lease    Lease
	ttl      time.Duration
	log      logger.Logger
}

func newFlightGuard(lease Lease, ttl time.Duration, log logger.Logger) *flightGuard {
	return &flightGuard{
		inflight: make(map[string]struct{}),
		lease:    lease,
		ttl:      ttl,
		log:      log,
	}
}

func (g *flightGuard) tryAcquire(ctx context.Context, key string) bool {
	g.mu.Lock()
	if _, busy := g.inflight[key]; busy {
		g.mu.Unlock()
		return false
	}

	g.inflight[key] = struct{}{}
	g.mu.Unlock()

	if g.lease == nil {
		return true
	}

	ok, err := g.lease.Acquire(ctx, key, g.ttl)
	if err != nil {
		// lease backend down: keep collecting with the local guard only
		g.log.Warn().Err(err).Str("key", key).Msg("Lease acquire failed, continuing without it")

		return true
	}

	if !ok {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
	}

	return ok
}

func (g *flightGuard) release(key string) {
	if g.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := g.lease.Release(ctx, key); err != nil {
			g.log.Debug().Err(err).Str("key", key).Msg("Lease release failed")
		}

		cancel()
	}

	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
}

func (g *flightGuard) busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.inflight[key]

	return ok
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLease implements Lease with SET NX PX and an owner-checked delete.
type RedisLease struct {
	client redis.UniversalClient
	owner  string
	prefix string
}

func NewRedisLease(client redis.UniversalClient, owner, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "fleetwatch:flight:"
	}

	return &RedisLease{client: client, owner: owner, prefix: prefix}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+key, l.owner, ttl).Result()
}

func (l *RedisLease) Release(ctx context.Context, key string) error {
	err := l.client.Eval(ctx, releaseScript, []string{l.prefix + key}, l.owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}

	return err
}
