package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/hub"
	"github.com/aixgo-dev/stagecraft/internal/transport/ws"
	"github.com/aixgo-dev/stagecraft/pkg/observability"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve scenarios over websocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg.Server.ShutdownTimeout, func() (*deps, error) { return buildDeps(ctx, cfg) })
		},
	}
}

func serve(ctx context.Context, shutdownTimeout time.Duration, build func() (*deps, error)) error {
	log.Printf("Starting stagecraft v%s", Version)
	d, err := build()
	if err != nil {
		return err
	}
	cfg := d.cfg

	h, err := hub.New(hub.Config{
		Scenarios:     d.catalog,
		Provider:      d.provider,
		Speech:        d.speech,
		Memory:        d.store,
		Classifier:    d.classifier,
		TranscriptDir: cfg.Transcript.Dir,
		Template:      d.sessionTemplate(),
		MaxSessions:   cfg.Server.MaxSessions,
	})
	if err != nil {
		return err
	}

	healthChecker := observability.NewHealthChecker(Version, h.Len)
	healthChecker.RegisterCheck(observability.PingCheck())
	healthChecker.RegisterCheck(observability.StoreCheck(d.store.Ping))
	obsServer := observability.NewServer(cfg.Server.MetricsAddr, healthChecker)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(h, ws.Config{
		EventRate:      cfg.Server.EventRate,
		EventBurst:     cfg.Server.EventBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}).Handler())
	mux.HandleFunc("/scenarios", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.catalog.IDs())
	})
	appServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	grpcHealth := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, grpcHealth)
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	appLn, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	obsLn, err := net.Listen("tcp", cfg.Server.MetricsAddr)
	if err != nil {
		appLn.Close()
		return fmt.Errorf("listen %s: %w", cfg.Server.MetricsAddr, err)
	}
	grpcLn, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		appLn.Close()
		obsLn.Close()
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Serving websocket on %s", appLn.Addr())
		if err := appServer.Serve(appLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("Serving metrics and health on %s", obsLn.Addr())
		if err := obsServer.Serve(obsLn); err != nil {
			return fmt.Errorf("observability server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("Serving gRPC health on %s", grpcLn.Addr())
		if err := grpcServer.Serve(grpcLn); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")
		healthChecker.SetDraining(true)
		grpcHealth.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := appServer.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("websocket server shutdown: %w", err))
		}
		if err := h.Close(sctx); err != nil {
			errs = append(errs, err)
		}
		grpcServer.GracefulStop()
		if err := obsServer.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("observability server shutdown: %w", err))
		}
		d.close(sctx)
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Println("Stopped")
	return err
}
