// Command server is the gateway's process entry point: a cobra root with
// a `serve` subcommand and a `migrate` subcommand, following
// this codebase's cobra CLI convention.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amerfu/llmgate/internal/config"
	"github.com/amerfu/llmgate/internal/runtime"
)

var configPath string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "llmgate",
		Short: "LLM API gateway: auth, budget enforcement, and usage metering for OpenAI- and Anthropic-compatible upstreams.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file overlaying environment variables")

	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadRuntime() (*runtime.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	rt, err := runtime.Build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build runtime: %w", err)
	}
	return rt, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				// Unreachable store or bus at startup is fatal.
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go rt.Run(ctx)

			httpSrv := &http.Server{
				Addr:    rt.Cfg.ListenAddr,
				Handler: rt.Server.Mount(rt.Routes),
			}

			go func() {
				rt.Log.Info("llmgate: listening", zap.String("addr", rt.Cfg.ListenAddr))
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					rt.Log.Error("llmgate: server error", zap.Error(err))
				}
			}()

			<-ctx.Done()
			rt.Log.Info("llmgate: shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.Migrate(context.Background())
		},
	}
}
