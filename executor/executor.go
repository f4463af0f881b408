// Package executor runs remote-platform operations under per-pool
// concurrency caps with post-call delays, automatic rate-limit requeueing and
// bounded retries for transient failures.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	kitsync "github.com/rudderlabs/rudder-go-kit/sync"

	"github.com/dyadlabs/replica/platform"
	"github.com/dyadlabs/replica/utils/misc"
)

// Pool names. Capacities are tuned to stay under the remote platform's
// global and per-route limits while keeping throughput up.
const (
	PoolWebhook = "webhook"
	PoolMember  = "member"
	PoolChannel = "channel"
	PoolDefault = "default"
)

var defaultPoolLimits = map[string]int{
	PoolWebhook: 5,
	PoolMember:  10,
	PoolChannel: 2,
	PoolDefault: 4,
}

// Operation is a unit of remote work. It reports failures classified per the
// platform error taxonomy.
type Operation func(ctx context.Context) error

type Executor struct {
	log  logger.Logger
	stat stats.Stats

	limiterGroup sync.WaitGroup
	pools        map[string]kitsync.Limiter
	breakers     map[string]*breaker

	maxAttempts   int
	retryMinWait  time.Duration
	retryMaxWait  time.Duration
	rateLimitCap  time.Duration
}

// New builds an executor whose pools live until ctx is cancelled. Pool
// capacities are read from Replica.Executor.<pool>Limit.
func New(ctx context.Context, conf *config.Config, stat stats.Stats, log logger.Logger) *Executor {
	e := &Executor{
		log:          log.Child("executor"),
		stat:         stat,
		pools:        make(map[string]kitsync.Limiter, len(defaultPoolLimits)),
		breakers:     make(map[string]*breaker, len(defaultPoolLimits)),
		maxAttempts:  conf.GetInt("Replica.Executor.maxAttempts", 4),
		retryMinWait: conf.GetDuration("Replica.Executor.retryMinWait", 500, time.Millisecond),
		retryMaxWait: conf.GetDuration("Replica.Executor.retryMaxWait", 30, time.Second),
		rateLimitCap: conf.GetDuration("Replica.Executor.rateLimitWaitCap", 120, time.Second),
	}
	breakerFailures := conf.GetInt("Replica.Executor.breakerConsecutiveFailures", 5)
	breakerTimeout := conf.GetDuration("Replica.Executor.breakerTimeout", 30, time.Second)
	for pool, limit := range defaultPoolLimits {
		limit = conf.GetInt(fmt.Sprintf("Replica.Executor.%sLimit", pool), limit)
		e.pools[pool] = kitsync.NewLimiter(ctx, &e.limiterGroup, "replica_"+pool, limit, stat)
		e.breakers[pool] = newBreaker(pool, breakerFailures, breakerTimeout, e.log)
	}
	return e
}

// Shutdown waits for all in-flight operations to finish. The executor's
// context must already be cancelled.
func (e *Executor) Shutdown() {
	e.limiterGroup.Wait()
}

func (e *Executor) pool(name string) kitsync.Limiter {
	if limiter, ok := e.pools[name]; ok {
		return limiter
	}
	return e.pools[PoolDefault]
}

// Submit runs op under the named pool's concurrency cap. The slot is held
// for delayAfter after op completes, smoothing call bursts. Rate-limited
// operations are requeued after the server-specified wait without holding a
// slot in the meantime; transient failures are retried with exponential
// backoff up to the configured attempt budget; permanent failures surface
// immediately.
func (e *Executor) Submit(ctx context.Context, pool string, delayAfter time.Duration, op Operation) error {
	for {
		err := e.execute(ctx, pool, delayAfter, op)
		retryAfter, ok := platform.IsRateLimited(err)
		if !ok {
			return err
		}
		if retryAfter > e.rateLimitCap {
			retryAfter = e.rateLimitCap
		}
		e.stat.NewTaggedStat("replica_executor_rate_limited", stats.CountType, stats.Tags{"pool": pool}).Increment()
		e.log.Debugn("rate limited, requeueing",
			logger.NewStringField("pool", pool),
			logger.NewDurationField("retryAfter", retryAfter),
		)
		if err := misc.SleepCtx(ctx, retryAfter); err != nil {
			return err
		}
	}
}

// execute holds one pool slot for a single attempt cycle: op plus its
// transient-error retries, then the post-call delay.
func (e *Executor) execute(ctx context.Context, pool string, delayAfter time.Duration, op Operation) error {
	start := time.Now()
	end := e.pool(pool).Begin("")
	defer func() {
		_ = misc.SleepCtx(ctx, delayAfter)
		end()
		e.stat.NewTaggedStat("replica_executor_slot_time", stats.TimerType, stats.Tags{"pool": pool}).Since(start)
	}()

	cb := e.breakers[pool]
	if cb == nil {
		cb = e.breakers[PoolDefault]
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryMinWait
	bo.MaxInterval = e.retryMaxWait
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		if cb.IsOpen() {
			return &platform.TransientError{Err: fmt.Errorf("pool %s circuit open", pool)}
		}
		err := op(ctx)
		switch {
		case err == nil:
			cb.Success()
			return nil
		case platform.IsTransient(err):
			cb.Failure()
			e.stat.NewTaggedStat("replica_executor_retries", stats.CountType, stats.Tags{"pool": pool}).Increment()
			return err
		default:
			// rate-limited, permanent and unclassified errors all stop the
			// backoff loop; Submit decides what happens next
			cb.Success()
			return backoff.Permanent(err)
		}
	}, policy)
}
