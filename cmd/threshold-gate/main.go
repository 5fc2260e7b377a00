package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/hive-corporation/threshold-gate/internal/adapter/alertapi"
	"github.com/hive-corporation/threshold-gate/internal/adapter/handler"
	"github.com/hive-corporation/threshold-gate/internal/config"
	"github.com/hive-corporation/threshold-gate/internal/core/gate"
	"github.com/hive-corporation/threshold-gate/internal/logger"
)

var (
	app = kingpin.New("threshold-gate", "Forwards alert updates downstream once their event count crosses a threshold.")

	configFile = app.Flag("config", "YAML configuration file.").Envar(config.ConfigPathEnv).String()
	envFile    = app.Flag("env-file", "dotenv file with configuration overrides; ignored when missing.").Default(".env").String()
	logLevel   = app.Flag("log-level", "Overrides log_level (debug, info, warn, error).").String()

	runCmd   = app.Command("run", "Consume alert notifications and forward triggers.").Default()
	checkCmd = app.Command("check-config", "Validate the configuration and exit.")

	replayCmd  = app.Command("replay", "Run notifications from a JSON lines file through the gate.")
	replayFile = replayCmd.Flag("file", "File with one notification per line.").Required().ExistingFile()
	replayDry  = replayCmd.Flag("dry-run", "Log triggers instead of publishing them.").Bool()
)

func main() {
	app.Version(alertapi.Version)
	app.HelpFlag.Short('h')
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load(*configFile, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "threshold-gate: %v\n", err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case checkCmd.FullCommand():
		log.Info().
			Str("source", cfg.Source.Type).
			Str("data_root", cfg.DataRoot).
			Str("rule_filter", cfg.Threshold.RuleFilter).
			Strs("rule_names_filter", cfg.Threshold.RuleNamesFilter).
			Int("event_count_threshold", cfg.Threshold.EventCountThreshold).
			Int("time_window_hours", cfg.Threshold.TimeWindowHours).
			Msg("configuration is valid")
	case replayCmd.FullCommand():
		err = replay(ctx, cfg, *replayFile, *replayDry)
	case runCmd.FullCommand():
		err = run(ctx, cfg)
	}

	if err != nil {
		log.Error().Err(err).Msg("threshold gate failed")
		os.Exit(1)
	}
}

// run serves the status API and drives the gate until a signal arrives
func run(ctx context.Context, cfg config.Config) error {
	log := logger.WithComponent("main")

	c, err := wire(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer c.close()

	g, err := gate.New(c.deps, cfg.Threshold, gate.WithLogger(logger.WithComponent("gate")))
	if err != nil {
		return err
	}

	restHandler := handler.NewRestHandler(c.store, g, c.deps.Triggers, logger.WithComponent("status-api"))
	router := handler.NewRouter(restHandler, handler.RouterConfig{AuthToken: cfg.StatusToken}, logger.WithComponent("status-api"))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("status API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status API failed")
		}
	}()

	runErr := g.Run(ctx)

	log.Info().Msg("shutting down status API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status API forced to shutdown")
	}

	stats := g.Stats()
	log.Info().
		Uint64("processed", stats.Processed).
		Uint64("triggered", stats.Triggered).
		Uint64("filtered", stats.Filtered).
		Msg("threshold gate stopped gracefully")

	return runErr
}
