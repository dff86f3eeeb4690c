package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/jmerrifield20/ilminate-mcp/internal/httpapi"
	"github.com/jmerrifield20/ilminate-mcp/internal/mcpbridge"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP over HTTP with the REST API, metrics and gRPC health",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.Int("port", 8080, "HTTP port")
	f.Int("grpc-port", 9090, "gRPC health port (0 disables)")
	f.Int("rate-limit", 20, "per-IP requests per second (0 disables)")
	bindFlags(serveCmd, map[string]string{
		"http.port":           "port",
		"grpc.port":           "grpc-port",
		"http.rate_limit_rps": "rate-limit",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(v)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, v, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	// ── gRPC health ──────────────────────────────────────────────────────────
	var grpcServer *grpc.Server
	if port := a.cfg.GRPC.Port; port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("gRPC listen on :%d: %w", port, err)
		}
		grpcServer = grpc.NewServer()
		healthSvc := grpchealth.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthSvc)
		healthSvc.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		a.monitor.SetStatusSink(healthSvc)
		reflection.Register(grpcServer)

		go func() {
			logger.Info("gRPC health listening", zap.Int("port", port))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC serve error", zap.Error(err))
			}
		}()
	}

	go a.monitor.Start(ctx)

	// ── HTTP ─────────────────────────────────────────────────────────────────
	router := httpapi.NewRouter(ctx, httpapi.Deps{
		MCP:     mcpbridge.NewServer(nil, a.tools, logger),
		Tools:   a.tools,
		Feeds:   a.feeds,
		Ledger:  a.ledger,
		Backend: a.monitor,
	}, httpapi.Options{
		CORSOrigins:  a.cfg.HTTP.CORSOrigins,
		RateLimitRPS: a.cfg.HTTP.RateLimitRPS,
	}, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP listening", zap.Int("port", a.cfg.HTTP.Port), zap.String("backend", a.cfg.Backend.URL))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	logger.Info("stopped")
	return nil
}
