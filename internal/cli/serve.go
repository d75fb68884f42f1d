package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/posqueue/internal/api"
	"github.com/orrn/posqueue/internal/archive"
	"github.com/orrn/posqueue/internal/config"
	"github.com/orrn/posqueue/internal/core"
	"github.com/orrn/posqueue/internal/events"
	"github.com/orrn/posqueue/internal/logging"
	"github.com/orrn/posqueue/internal/pos"
	"github.com/orrn/posqueue/internal/remote"
	"github.com/orrn/posqueue/internal/retry"
	"github.com/orrn/posqueue/internal/store"
	"github.com/orrn/posqueue/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync and print pipeline with its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logging.New(cfg.Logging))
		},
	}
}

func newEndpoint(cfg config.SyncConfig, deviceID string) remote.Endpoint {
	if cfg.RemoteURL == "" {
		return remote.NewSimulated(cfg.SimulatedMinDelay, cfg.SimulatedMaxDelay)
	}
	return remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL:    cfg.RemoteURL,
		Timeout:    cfg.RequestTimeout,
		DeviceID:   deviceID,
		SigningKey: cfg.SigningKey,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
	})
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	bus := events.NewBus(logger)

	identity, err := core.LoadDeviceIdentity(ctx, s)
	if err != nil {
		return err
	}
	logger.Info("device identity loaded", "device", identity.ID, "store", cfg.Store.Driver, "codec", cfg.Store.Codec)

	endpoint := newEndpoint(cfg.Sync, identity.ID)
	if cfg.Sync.RemoteURL == "" {
		logger.Warn("no remote_url configured, using the simulated sync server")
	}

	records := core.NewRecordStore(s)
	coordinator := core.NewSyncCoordinator(
		core.SyncDeps{
			Store:    s,
			Remote:   endpoint,
			Records:  records,
			Bus:      bus,
			Logger:   logger,
			DeviceID: identity.ID,
		},
		core.SyncOptions{
			Policy: retry.Policy{
				MaxRetries: cfg.Sync.MaxRetries,
				Delays:     cfg.Sync.RetryDelays,
				Jitter:     cfg.Sync.Jitter,
			},
			Interval: cfg.Sync.Interval,
			// Without a probe the device is assumed connected.
			Online: cfg.Sync.ProbeURL == "",
		},
	)

	printers := core.NewPrinterManager(core.PrinterConfig{
		MinDelay:    cfg.Print.DeviceMinDelay,
		MaxDelay:    cfg.Print.DeviceMaxDelay,
		FailureRate: cfg.Print.FailureRate,
	}, bus, logger)
	for _, dest := range core.DefaultDestinations {
		printers.AddPrinter(dest)
	}

	scheduler := core.NewPrintScheduler(
		core.PrintDeps{
			Store:  s,
			Sender: printers,
			Bus:    bus,
			Logger: logger,
		},
		core.PrintOptions{
			Policy: retry.Policy{
				MaxRetries: cfg.Print.MaxRetries,
				Delays:     cfg.Print.RetryDelays,
			},
			MaxConcurrent: cfg.Print.MaxConcurrent,
			PollInterval:  cfg.Print.PollInterval,
		},
	)

	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	defer coordinator.Stop()
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if len(cfg.Webhook.URLs) > 0 {
		hooks := webhook.NewSender(cfg.Webhook, identity.ID, bus, logger)
		hooks.Start()
		defer hooks.Stop()
	}

	svc := pos.NewService(pos.Deps{
		Records: records,
		Sync:    coordinator,
		Print:   scheduler,
		Bus:     bus,
		Logger:  logger,
	})

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.NewArchiver(s, cfg.Archive, bus, logger)
		if err != nil {
			return err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		DeviceID:   identity.ID,
		APIKeyHash: cfg.Server.APIKeyHash,
		Orders:     svc,
		Sync:       coordinator,
		Print:      scheduler,
		Printers:   printers,
		Bus:        bus,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.Engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		router.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if archiver != nil {
		g.Go(func() error {
			return archiver.Run(gctx)
		})
	}

	if cfg.Sync.ProbeURL != "" {
		probe := remote.NewProbe(cfg.Sync.ProbeURL, cfg.Sync.ProbeInterval, coordinator.SetOnline, logger)
		g.Go(func() error {
			return probe.Run(gctx)
		})
	}

	return g.Wait()
}
