package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/washkiosk/internal/catalog"
	"github.com/shaunagostinho/washkiosk/internal/flow"
	"github.com/shaunagostinho/washkiosk/internal/gate"
	"github.com/shaunagostinho/washkiosk/internal/journal"
	"github.com/shaunagostinho/washkiosk/internal/link"
	"github.com/shaunagostinho/washkiosk/internal/logging"
	"github.com/shaunagostinho/washkiosk/internal/payment"
	"github.com/shaunagostinho/washkiosk/internal/plc"
	"github.com/shaunagostinho/washkiosk/internal/plcsim"
	"github.com/shaunagostinho/washkiosk/internal/server"
	"github.com/shaunagostinho/washkiosk/internal/wash"
	"github.com/shaunagostinho/washkiosk/web"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		demo       bool
		listenAddr string
	)
	logOpts := logging.NewOptions()

	cmd := &cobra.Command{
		Use:          "washkiosk",
		Short:        "Self-service car wash kiosk controller",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), cfg, logOpts, demo, listenAddr)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer log.Sync()

			log.Info("washkiosk starting", zap.String("config", cfg.Source()), zap.String("controller", cfg.Controller.Type))
			if err := run(cmd.Context(), cfg, log); err != nil {
				log.Error("exited", zap.Error(err))
				return err
			}
			log.Info("stopped")
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&configPath, "config", "/etc/washkiosk/config.yaml", "Path to config file.")
	fs.BoolVar(&demo, "demo", false, "Run against the simulated controller.")
	fs.StringVar(&listenAddr, "listen", "", "Override listen address (e.g. :8080).")
	logOpts.AddFlags(fs)
	return cmd
}

// applyFlags lets explicitly set flags win over the config file.
func applyFlags(fs *pflag.FlagSet, cfg *server.Config, logOpts logging.Options, demo bool, listenAddr string) {
	if demo {
		cfg.Controller.Type = "demo"
		cfg.Payment.Type = "demo"
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "log.level":
			cfg.Logging.Level = logOpts.Level
		case "log.format":
			cfg.Logging.Format = logOpts.Format
		case "log.enable-color":
			cfg.Logging.EnableColor = logOpts.EnableColor
		case "log.output-paths":
			cfg.Logging.OutputPaths = logOpts.OutputPaths
		}
	})
}

// run wires the kiosk and blocks until ctx is done or a component fails.
func run(ctx context.Context, cfg *server.Config, log *zap.Logger) error {
	pol, err := cfg.Policy()
	if err != nil {
		return err
	}
	programs, err := catalog.NewStatic(cfg.Programs)
	if err != nil {
		return err
	}

	opener := link.Opener(link.SerialOpener)
	if cfg.Controller.Type == "demo" {
		opener = newDemoController().Opener()
	}
	l := link.New(cfg.Serial, link.WithOpener(opener), link.WithLogger(log.Named("link")))
	defer l.Close()

	client := plc.NewClient(l, cfg.ClientConfig(), log.Named("plc"))
	poller := plc.NewStatusPoller(client, cfg.PollerConfig(), log.Named("status"))
	checker := gate.New(client, cfg.Gate, log.Named("gate"))
	payments := payment.NewDemo(cfg.Payment.Demo, log.Named("payment"))

	j := journal.New(cfg.Journal, log)
	defer j.Close()

	var orders *flow.Orchestrator
	washer := wash.New(client, pol, cfg.Wash, log.Named("wash"), func(s wash.State) { orders.ObservePhase(s) })
	orders = flow.New(payments, checker, washer, programs, pol, cfg.Orders, log.Named("flow"), flow.WithHook(j.RecordState))

	srv := server.New(cfg, orders, poller, client, programs, web.FS, log,
		server.WithJournal(j), server.WithDrills(payments))

	g, ctx := errgroup.WithContext(ctx)
	// the kiosk serves its screen while the controller is still connecting
	g.Go(func() error { return connectWithRetry(ctx, log.Named("link"), l) })
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		snaps, stop := poller.Subscribe()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap := <-snaps:
				j.RecordStatus(snap)
			}
		}
	})
	return g.Wait()
}

// newDemoController returns a simulated controller with a car waiting and a
// short wash cycle.
func newDemoController() *plcsim.Sim {
	sim := plcsim.New(plcsim.Options{
		Cycle: plcsim.Cycle{
			StartDelay:  2 * time.Second,
			RunTime:     15 * time.Second,
			DepartDelay: 5 * time.Second,
			ArriveDelay: 20 * time.Second,
		},
		PulseWidth: 500 * time.Millisecond,
	})
	sim.Set(plc.RegPosition, 1)
	return sim
}

// connectWithRetry opens the link with exponential backoff, starting at 1s
// and capped at 60s, until it succeeds or ctx is done.
func connectWithRetry(ctx context.Context, log *zap.Logger, l *link.Link) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := l.Open(ctx)
		if errors.Is(err, link.ErrAlreadyOpen) {
			return nil
		}
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("connect failed", zap.Int("attempt", attempt), zap.Duration("retryIn", next), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect: %w", err)
	}
	log.Info("connected", zap.Int("attempt", attempt))
	return nil
}
