// Package runner wires the engine together and exposes it as a CLI.
package runner

import (
	"context"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"
	"github.com/urfave/cli/v2"

	"github.com/dyadlabs/replica/executor"
	"github.com/dyadlabs/replica/migrator"
	"github.com/dyadlabs/replica/platform/resthttp"
	"github.com/dyadlabs/replica/replicator"
	"github.com/dyadlabs/replica/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReleaseInfo carries build metadata injected via ldflags.
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

type Runner struct {
	releaseInfo ReleaseInfo
}

func New(releaseInfo ReleaseInfo) *Runner {
	return &Runner{releaseInfo: releaseInfo}
}

// Run executes the CLI and returns the process exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	conf := config.Default
	loggerFactory := logger.NewFactory(conf)
	defer loggerFactory.Sync()
	log := loggerFactory.NewLogger().Child("replica")

	stat := stats.NewStats(conf, loggerFactory, svcMetric.Instance,
		stats.WithServiceName("replica"),
		stats.WithServiceVersion(r.releaseInfo.Version),
	)
	if err := stat.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
		log.Errorn("failed to start stats", logger.NewErrorField(err))
		return 1
	}
	defer stat.Stop()

	app := &cli.App{
		Name:    "replica",
		Usage:   "clone guild structure and migrate channel content between guilds",
		Version: fmt.Sprintf("%s (%s, %s)", r.releaseInfo.Version, r.releaseInfo.Commit, r.releaseInfo.BuildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "state",
				Value: "replica-state.json",
				Usage: "path to the durable state snapshot",
			},
		},
		Commands: []*cli.Command{
			r.replicateCommand(conf, stat, log),
			r.migrateCommand(conf, stat, log),
			r.configureCommand(conf, log),
			r.stateCommand(conf, log),
		},
	}
	if err := app.RunContext(ctx, args); err != nil {
		log.Errorn("command failed", logger.NewErrorField(err))
		return 1
	}
	return 0
}

// engine bundles the wired components behind one close function.
type engine struct {
	store      *state.Store
	replicator *replicator.Replicator
	migrator   *migrator.Migrator
	close      func()
}

func buildEngine(c *cli.Context, conf *config.Config, stat stats.Stats, log logger.Logger) (*engine, error) {
	if conf.GetString("Replica.token", "") == "" {
		return nil, fmt.Errorf("no API token configured, set Replica.token (REPLICA_TOKEN)")
	}
	store, err := state.Open(c.String("state"), conf, log)
	if err != nil {
		return nil, fmt.Errorf("opening state snapshot: %w", err)
	}
	client := resthttp.New(conf, log)

	execCtx, cancel := context.WithCancel(c.Context)
	exec := executor.New(execCtx, conf, stat, log)
	return &engine{
		store:      store,
		replicator: replicator.New(client, store, exec, stat, log),
		migrator:   migrator.New(client, store, exec, conf, stat, log),
		close: func() {
			cancel()
			exec.Shutdown()
		},
	}, nil
}

func (r *Runner) replicateCommand(conf *config.Config, stat stats.Stats, log logger.Logger) *cli.Command {
	return &cli.Command{
		Name:      "replicate",
		Usage:     "clone the configured source guild onto the target guild",
		ArgsUsage: "[settings|roles|categories|channels|emojis|stickers|webhooks]",
		Action: func(c *cli.Context) error {
			eng, err := buildEngine(c, conf, stat, log)
			if err != nil {
				return err
			}
			defer eng.close()

			var reports []replicator.Report
			if c.Args().Len() == 0 {
				reports, err = eng.replicator.ReplicateAll(c.Context)
			} else {
				var stage replicator.Stage
				if stage, err = replicator.ParseStage(c.Args().First()); err != nil {
					return err
				}
				var report replicator.Report
				report, err = eng.replicator.Replicate(c.Context, stage)
				reports = []replicator.Report{report}
			}
			if printErr := printJSON(reports); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func (r *Runner) migrateCommand(conf *config.Config, stat stats.Stats, log logger.Logger) *cli.Command {
	return &cli.Command{
		Name:      "migrate",
		Usage:     "migrate one channel's content into a destination channel",
		ArgsUsage: "<origin-channel-id> <target-guild-id> <target-channel-id>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 3 {
				return fmt.Errorf("expected origin channel, target guild and target channel IDs")
			}
			eng, err := buildEngine(c, conf, stat, log)
			if err != nil {
				return err
			}
			defer eng.close()

			report, err := eng.migrator.MigrateChannel(c.Context, c.Args().Get(0), c.Args().Get(1), c.Args().Get(2))
			if printErr := printJSON(report); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func (r *Runner) configureCommand(conf *config.Config, log logger.Logger) *cli.Command {
	return &cli.Command{
		Name:  "configure",
		Usage: "update the persisted engine configuration",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "webhook-delay", Usage: "post-call delay for webhook sends (100ms..5s)"},
			&cli.DurationFlag{Name: "process-delay", Usage: "post-call delay for structural calls (100ms..5s)"},
			&cli.StringFlag{Name: "source-guild", Usage: "guild to clone from"},
			&cli.StringFlag{Name: "target-guild", Usage: "guild to clone onto"},
			&cli.StringFlag{Name: "admin-user", Usage: "user allowed to drive the engine"},
		},
		Action: func(c *cli.Context) error {
			store, err := state.Open(c.String("state"), conf, log)
			if err != nil {
				return err
			}
			cfg := store.EngineConfig()
			if c.IsSet("webhook-delay") {
				cfg.WebhookDelay = c.Duration("webhook-delay")
			}
			if c.IsSet("process-delay") {
				cfg.ProcessDelay = c.Duration("process-delay")
			}
			if c.IsSet("source-guild") {
				cfg.SourceGuildID = c.String("source-guild")
			}
			if c.IsSet("target-guild") {
				cfg.TargetGuildID = c.String("target-guild")
			}
			if c.IsSet("admin-user") {
				cfg.AdminUserID = c.String("admin-user")
			}
			if err := store.SetEngineConfig(cfg); err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func (r *Runner) stateCommand(conf *config.Config, log logger.Logger) *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "inspect or import the durable state snapshot",
		Subcommands: []*cli.Command{
			{
				Name:  "import",
				Usage: "import a legacy (v1) config.json/state.json pair",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Value: "config.json", Usage: "legacy configuration file"},
					&cli.StringFlag{Name: "data", Value: "state.json", Usage: "legacy state file"},
				},
				Action: func(c *cli.Context) error {
					store, err := state.Open(c.String("state"), conf, log)
					if err != nil {
						return err
					}
					if err := store.ImportLegacy(c.String("config"), c.String("data")); err != nil {
						return err
					}
					fmt.Fprintln(os.Stdout, "legacy state imported")
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "print the engine configuration and identity map sizes",
				Action: func(c *cli.Context) error {
					store, err := state.Open(c.String("state"), conf, log)
					if err != nil {
						return err
					}
					return printJSON(map[string]any{
						"config":   store.EngineConfig(),
						"identity": store.Identity().Snapshot(),
					})
				},
			},
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}
