package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/config"
	grpcserver "github.com/yungtweek/talkie/apps/completion-gateway/internal/grpc"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/httpapi"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/metrics"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/service"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/vllm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "completion-gateway",
		Short:         "Admission-controlled text completion gateway in front of vLLM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC completion servers",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	config.BindFlags(serve.Flags())

	root.AddCommand(serve)
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Load configuration (listen addresses, vLLM URL, model, timeouts, etc.)
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	// Initialize structured logger
	if err := logger.Init(cfg.LogLevel); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		mp, err := metrics.InitProvider(ctx, metrics.ProviderConfig{
			ServiceName: "completion-gateway",
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			Interval:    cfg.OTLPInterval,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := mp.Shutdown(sctx); err != nil {
				logger.Log.Warn("metric provider shutdown failed", zap.Error(err))
			}
		}()
	}

	m, err := metrics.NewGlobal()
	if err != nil {
		return err
	}

	logger.Log.Info("Starting completion gateway",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("model", cfg.Model),
		zap.String("vllm_url", cfg.VLLMURL),
		zap.Int("timeout_ms", cfg.TimeoutMs),
		zap.Bool("auth", cfg.APIKey != ""),
	)

	// Create vLLM engine client
	engine := vllm.NewClient(vllm.Config{
		BaseURL:     cfg.VLLMURL,
		Model:       cfg.Model,
		APIKey:      cfg.VLLMAPIKey,
		TimeoutMs:   cfg.TimeoutMs,
		InsecureTLS: cfg.VLLMInsecure,
	})

	svc := service.NewCompletionService(engine, m)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.GRPCAddr != "" {
		srv := grpcserver.New(cfg.GRPCAddr, grpcserver.NewCompletionHandler(svc))
		g.Go(srv.Run)
		g.Go(func() error {
			<-gctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	if cfg.HTTPAddr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httpapi.NewRouter(svc, httpapi.Options{APIKey: cfg.APIKey, Debug: cfg.LogLevel == "debug"}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Log.Info("starting HTTP server", zap.String("addr", cfg.HTTPAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("HTTP server stopped with error", zap.Error(err))
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Log.Error("completion gateway exited with error", zap.Error(err))
		return err
	}

	logger.Log.Info("completion gateway stopped")
	return nil
}
