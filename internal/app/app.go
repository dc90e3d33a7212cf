// Package app wires the orchestrator's dependencies and runs the process.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hoescodes/vendo/internal/dispense"
	"github.com/hoescodes/vendo/internal/handler"
	"github.com/hoescodes/vendo/internal/orchestrator"
	"github.com/hoescodes/vendo/internal/payment"
	"github.com/hoescodes/vendo/internal/storage/postgres"
	"github.com/hoescodes/vendo/pkg/health"
	"github.com/hoescodes/vendo/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the hardware bus and HTTP server, and
// handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("machine_id", cfg.MachineID))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	orderRepo := postgres.NewOrderRepository(pool)
	slotRepo := postgres.NewSlotRepository(pool)

	gateway := payment.NewMidtransClient(payment.MidtransConfig{
		ServerKey:       cfg.Midtrans.ServerKey,
		SnapBaseURL:     cfg.Midtrans.SnapBaseURL,
		APIBaseURL:      cfg.Midtrans.APIBaseURL,
		NotificationURL: cfg.Midtrans.NotificationURL,
		FinishURL:       cfg.Midtrans.FinishURL,
	})

	// The bus delivers results into the orchestrator; the orchestrator
	// publishes commands on the bus. The orch variable is assigned before
	// Start connects, so the handler never observes it nil.
	var orch *orchestrator.Orchestrator
	bus := dispense.NewMQTTBus(dispense.MQTTConfig{
		BrokerURL: cfg.MQTT.BrokerURL,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		ClientID:  cfg.MQTT.ClientID,
	}, lg.Named("bus"), func(ctx context.Context, res dispense.Result) {
		orch.HandleDispenseResult(ctx, res)
	})

	orch = orchestrator.New(orchestrator.Config{
		MachineID:    cfg.MachineID,
		OrderTTL:     cfg.Orchestrator.OrderTTL,
		DispenseWait: cfg.Orchestrator.DispenseWait,
		PollInterval: cfg.Orchestrator.PollInterval,
	}, lg.Named("orchestrator"), orderRepo, slotRepo, gateway, bus)
	defer orch.Close()

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddReadinessCheck("bus", time.Second, health.ConnectedCheck("hardware bus", bus.Connected))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	// HTTP surface.
	h := handler.NewHandler(handler.Config{
		MachineID: cfg.MachineID,
		ServerKey: cfg.Midtrans.ServerKey,
		Debug:     cfg.Debug,
	}, lg.Named("http"), orch, bus)

	mux := h.Routes()
	healthSvc.Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(
			otelhttp.NewHandler(mux, "vendo-api",
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
			),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins: cfg.CORS.Origins,
				AllowHeaders: []string{"Content-Type"},
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bus.Start(gctx)
	})

	g.Go(func() error {
		// Restore may publish dispense commands for orders stuck in PAID, so
		// wait until the bus is up.
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for !bus.Connected() {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		if err := orch.Restore(gctx); err != nil {
			return errors.Wrap(err, "restore orders")
		}
		healthSvc.SetReady(true)
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	return g.Wait()
}
