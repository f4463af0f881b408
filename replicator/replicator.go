// Package replicator clones guild-level state onto a target guild in
// dependency order: settings, roles, categories, channels, emojis, stickers,
// webhooks. Every stage is a barrier; later stages resolve the identities
// recorded by earlier ones.
package replicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/dyadlabs/replica/executor"
	"github.com/dyadlabs/replica/identity"
	"github.com/dyadlabs/replica/platform"
	"github.com/dyadlabs/replica/state"
)

// Stage names one step of the replication pipeline.
type Stage string

const (
	StageSettings   Stage = "settings"
	StageRoles      Stage = "roles"
	StageCategories Stage = "categories"
	StageChannels   Stage = "channels"
	StageEmojis     Stage = "emojis"
	StageStickers   Stage = "stickers"
	StageWebhooks   Stage = "webhooks"
)

// StageOrder is the dependency-respecting execution order.
var StageOrder = []Stage{
	StageSettings,
	StageRoles,
	StageCategories,
	StageChannels,
	StageEmojis,
	StageStickers,
	StageWebhooks,
}

// kindGuild is only used in reports; guild settings have no identity mapping.
const kindGuild = identity.Kind("guild")

// ErrNotConfigured is returned before any remote call when source or target
// guild is missing from the engine configuration.
var ErrNotConfigured = errors.New("source and target guild IDs must be configured")

// ParseStage validates a user-supplied stage name.
func ParseStage(name string) (Stage, error) {
	for _, stage := range StageOrder {
		if string(stage) == name {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown replication stage %q", name)
}

type Replicator struct {
	client platform.Client
	store  *state.Store
	exec   *executor.Executor
	log    logger.Logger
	stat   stats.Stats
}

func New(client platform.Client, store *state.Store, exec *executor.Executor, stat stats.Stats, log logger.Logger) *Replicator {
	return &Replicator{
		client: client,
		store:  store,
		exec:   exec,
		log:    log.Child("replicator"),
		stat:   stat,
	}
}

// Replicate runs a single stage to completion and reports per-entity
// outcomes. Individual task failures never abort sibling tasks; only
// configuration errors, identity conflicts and context cancellation abort
// the stage.
func (r *Replicator) Replicate(ctx context.Context, stage Stage) (Report, error) {
	cfg := r.store.EngineConfig()
	if cfg.SourceGuildID == "" || cfg.TargetGuildID == "" {
		return Report{}, ErrNotConfigured
	}

	b := newReportBuilder(stage)
	var err error
	switch stage {
	case StageSettings:
		err = r.replicateSettings(ctx, cfg, b)
	case StageRoles:
		err = r.replicateRoles(ctx, cfg, b)
	case StageCategories:
		err = r.replicateCategories(ctx, cfg, b)
	case StageChannels:
		err = r.replicateChannels(ctx, cfg, b)
	case StageEmojis:
		err = r.replicateEmojis(ctx, cfg, b)
	case StageStickers:
		err = r.replicateStickers(ctx, cfg, b)
	case StageWebhooks:
		err = r.replicateWebhooks(ctx, cfg, b)
	default:
		return Report{}, fmt.Errorf("unknown replication stage %q", stage)
	}

	report := b.build()
	r.stat.NewTaggedStat("replica_stage_entities", stats.CountType,
		stats.Tags{"stage": string(stage), "outcome": "succeeded"}).Count(len(report.Succeeded))
	r.stat.NewTaggedStat("replica_stage_entities", stats.CountType,
		stats.Tags{"stage": string(stage), "outcome": "failed"}).Count(len(report.Failed))
	r.log.Infon("stage finished",
		logger.NewStringField("stage", string(stage)),
		logger.NewIntField("succeeded", int64(len(report.Succeeded))),
		logger.NewIntField("failed", int64(len(report.Failed))),
	)
	return report, err
}

// ReplicateAll runs every stage in order, stopping at the first stage-level
// error. Reports for completed stages are returned either way.
func (r *Replicator) ReplicateAll(ctx context.Context) ([]Report, error) {
	reports := make([]Report, 0, len(StageOrder))
	for _, stage := range StageOrder {
		report, err := r.Replicate(ctx, stage)
		if err != nil {
			return reports, fmt.Errorf("stage %s: %w", stage, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// runTask executes one entity-creation task through the executor, records
// the resulting identity and files the outcome in the report. The returned
// error is non-nil only for stage-aborting conditions.
func (r *Replicator) runTask(
	ctx context.Context,
	b *reportBuilder,
	pool string,
	kind identity.Kind,
	sourceID, name string,
	create func(ctx context.Context) (string, error),
) error {
	cfg := r.store.EngineConfig()
	delay := cfg.ProcessDelay
	if pool == executor.PoolWebhook {
		delay = cfg.WebhookDelay
	}
	var targetID string
	err := r.exec.Submit(ctx, pool, delay, func(ctx context.Context) error {
		id, err := create(ctx)
		if err != nil {
			return err
		}
		targetID = id
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var conflict *identity.ConflictError
		if errors.As(err, &conflict) {
			return err
		}
		b.failure(kind, sourceID, name, err)
		return nil
	}
	if kind != kindGuild {
		if err := r.store.RecordIdentity(kind, sourceID, targetID); err != nil {
			return err
		}
	}
	b.success(kind, sourceID, targetID, name)
	return nil
}
