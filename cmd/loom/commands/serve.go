package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/db"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/schedule"
	"github.com/loomworks/loom/server"
	"github.com/loomworks/loom/stream"
	"github.com/loomworks/loom/webhook"
	"github.com/loomworks/loom/workflow"
)

// ServeCmd starts the orchestrator.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator",
	Long: `Start the Loom orchestrator: HTTP API, inbound webhooks, cron
scheduler, and the websocket event stream. Runs until SIGINT or SIGTERM,
then drains in-flight executions.`,
	RunE: runServe,
}

var configPath string

func init() {
	ServeCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (watched for changes when set)")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Named("serve")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.Database.Path, logger.Named("db"))
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database, logger.Named("db")); err != nil {
		return err
	}

	workflows := workflow.NewStore(database)
	webhooks := webhook.NewStore(database)
	executions := engine.NewStore(database)
	cronJobs := schedule.NewStore(database)

	broadcaster := stream.NewBroadcaster(cfg.Stream.SubscriberBuffer, logger.Named("stream"))

	agentClient := agent.NewClient(agent.Config{
		BaseURL:           cfg.Agent.BaseURL,
		RequestsPerMinute: cfg.Agent.RequestsPerMinute,
		Logger:            logger.Named("agent"),
	})
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	health := agent.NewHealthMonitor(agentClient,
		time.Duration(cfg.Agent.HealthIntervalSeconds)*time.Second)
	go health.Run(healthCtx)

	machine := engine.NewMachine(executions, agentClient, broadcaster, engine.MachineConfig{
		ExecutionTimeout: time.Duration(cfg.Engine.ExecutionTimeoutSeconds) * time.Second,
		MaxConcurrent:    cfg.Engine.MaxConcurrent,
		Logger:           logger.Named("engine"),
	})
	dispatcher := engine.NewDispatcher(workflows, webhooks, executions, machine, logger.Named("dispatch"))

	if err := machine.Recover(); err != nil {
		return errors.Wrap(err, "recover interrupted executions")
	}

	ticker := schedule.NewTicker(cronJobs, dispatcher, executions, broadcaster, schedule.TickerConfig{
		Interval: time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
	}, logger.Named("schedule"))
	ticker.Start()

	// Hot reload for the tunables that can change without a restart.
	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath)
		if err != nil {
			log.Warnw("config watch unavailable", "path", configPath, "error", err)
		} else {
			watcher.OnReload(func(updated *config.Config) error {
				machine.SetExecutionTimeout(
					time.Duration(updated.Engine.ExecutionTimeoutSeconds) * time.Second)
				agentClient.SetRequestsPerMinute(updated.Agent.RequestsPerMinute)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	srv := server.NewServer(cfg.Server, server.Deps{
		DB:          database,
		Workflows:   workflows,
		Webhooks:    webhooks,
		Executions:  executions,
		CronJobs:    cronJobs,
		Dispatcher:  dispatcher,
		Machine:     machine,
		Ticker:      ticker,
		Broadcaster: broadcaster,
		Health:      health,
		Logger:      logger.Named("server"),
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Infow("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	ticker.Stop()
	stopHealth()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown incomplete", "error", err)
	}
	machine.Stop(shutdownCtx)
	broadcaster.Shutdown()

	log.Infow("shutdown complete")
	return nil
}
