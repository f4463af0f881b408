package migrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"golang.org/x/sync/singleflight"

	"github.com/dyadlabs/replica/executor"
	"github.com/dyadlabs/replica/platform"
)

// relayWebhookName identifies the webhooks this engine creates so reruns
// find and reuse them instead of piling up duplicates.
const relayWebhookName = "replica-relay"

// relayCacheSize bounds the per-migration webhook cache. An evicted entry is
// re-acquired by name on next use, so correctness does not depend on the
// bound.
const relayCacheSize = 32

const relayTeardownTimeout = 30 * time.Second

// relay owns the transient webhooks used to impersonate original authors.
// One webhook per destination channel, looked up by name before creating,
// all torn down by Close. Safe for concurrent acquire from per-destination
// goroutines.
type relay struct {
	client platform.WebhookClient
	exec   *executor.Executor
	log    logger.Logger

	sf      singleflight.Group
	mu      sync.Mutex
	cache   *lru.Cache[string, platform.Webhook]
	created []platform.Webhook
}

func newRelay(client platform.WebhookClient, exec *executor.Executor, log logger.Logger) (*relay, error) {
	cache, err := lru.New[string, platform.Webhook](relayCacheSize)
	if err != nil {
		return nil, err
	}
	return &relay{client: client, exec: exec, log: log, cache: cache}, nil
}

// acquire returns the relay webhook for a destination channel, creating it
// on first use for that channel. Concurrent acquires for the same channel
// collapse into a single lookup so only one webhook ever gets created.
func (r *relay) acquire(ctx context.Context, channelID string) (platform.Webhook, error) {
	r.mu.Lock()
	if wh, ok := r.cache.Get(channelID); ok {
		r.mu.Unlock()
		return wh, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(channelID, func() (any, error) {
		r.mu.Lock()
		if wh, ok := r.cache.Get(channelID); ok {
			r.mu.Unlock()
			return wh, nil
		}
		r.mu.Unlock()

		var wh platform.Webhook
		err := r.exec.Submit(ctx, executor.PoolWebhook, 0, func(ctx context.Context) error {
			existing, err := r.client.Webhooks(ctx, channelID)
			if err != nil {
				return err
			}
			for _, candidate := range existing {
				if candidate.Name == relayWebhookName {
					wh = candidate
					return nil
				}
			}
			created, err := r.client.CreateWebhook(ctx, channelID, relayWebhookName)
			if err != nil {
				return err
			}
			wh = *created
			return nil
		})
		if err != nil {
			return platform.Webhook{}, err
		}

		r.mu.Lock()
		r.cache.Add(channelID, wh)
		r.created = append(r.created, wh)
		r.mu.Unlock()
		return wh, nil
	})
	if err != nil {
		return platform.Webhook{}, fmt.Errorf("acquiring relay webhook for channel %s: %w", channelID, err)
	}
	return v.(platform.Webhook), nil
}

// Close deletes every webhook acquired during the migration. Best effort;
// deletion failures are logged, not returned, so teardown never masks the
// migration outcome.
func (r *relay) Close(ctx context.Context) {
	// teardown must run even when the migration itself was cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTeardownTimeout)
	defer cancel()

	r.mu.Lock()
	created := r.created
	r.created = nil
	r.cache.Purge()
	r.mu.Unlock()

	for _, wh := range created {
		wh := wh
		err := r.exec.Submit(ctx, executor.PoolWebhook, 0, func(ctx context.Context) error {
			return r.client.DeleteWebhook(ctx, wh.ID)
		})
		if err != nil {
			r.log.Warnn("relay webhook teardown failed",
				logger.NewStringField("webhookId", wh.ID),
				logger.NewStringField("channelId", wh.ChannelID),
				logger.NewErrorField(err),
			)
		}
	}
}
