// Command bot runs the rolling-straddle trading session: one control loop
// plus an optional status dashboard, stopped together on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/sensex_straddler/internal/alerts"
	"github.com/eddiefleurent/sensex_straddler/internal/config"
	"github.com/eddiefleurent/sensex_straddler/internal/dashboard"
	"github.com/eddiefleurent/sensex_straddler/internal/gateway"
	"github.com/eddiefleurent/sensex_straddler/internal/logging"
	"github.com/eddiefleurent/sensex_straddler/internal/marketdata"
	"github.com/eddiefleurent/sensex_straddler/internal/orchestrator"
	"github.com/eddiefleurent/sensex_straddler/internal/regime"
	"github.com/eddiefleurent/sensex_straddler/internal/risk"
	"github.com/eddiefleurent/sensex_straddler/internal/schedule"
	"github.com/eddiefleurent/sensex_straddler/internal/strategy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level: cfg.Environment.LogLevel,
		File:  cfg.Environment.LogFile,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	logger.WithField("mode", cfg.Environment.Mode).Info("starting sensex straddler")
	if cfg.IsSimulation() {
		logger.Info("simulation mode: no orders leave the process")
	} else {
		logger.Warn("live mode: orders will be delivered to the webhook")
	}

	loc := cfg.Location()

	notifier := alerts.NewNotifier(cfg.Alerts, logger)
	gw := gateway.New(cfg, notifier, logger)
	provider := marketdata.NewProvider(cfg.Market, cfg.MarketTimeout(), loc, logger)
	classifier := regime.NewClassifier(cfg.Regime, logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	volGate := risk.NewVolFilter(cfg.VolFilter, logger)
	straddle := strategy.NewRollingStraddle(cfg, logger)
	scheduler := schedule.New(cfg.Schedule.EODExits, loc, logger)

	// Confirmed fills flow back into the strategy so legs move from
	// REQUESTED to FILLED with real prices.
	gw.SetFillCallback(func(_ string, rec gateway.Record) {
		straddle.ConfirmFill(rec.Order.Instrument, rec.FillPrice)
	})

	orch, err := orchestrator.New(cfg, provider, classifier, volGate, riskMgr, gw,
		[]strategy.Strategy{straddle}, scheduler, notifier, logger)
	if err != nil {
		return fmt.Errorf("wiring orchestrator: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel() // a finished loop stops the dashboard too
		err := orch.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
			Location:  loc,
		}, straddle, gw, riskMgr, logger)

		group.Go(func() error {
			err := srv.Start()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("session ended cleanly")
	return nil
}
