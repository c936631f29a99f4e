// Package main is the entry point for the agent behavior auditor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fidde/agent_audit/internal/analysis"
	"github.com/fidde/agent_audit/internal/api"
	"github.com/fidde/agent_audit/internal/config"
	"github.com/fidde/agent_audit/internal/receiver"
	"github.com/fidde/agent_audit/internal/scanner"
	"github.com/fidde/agent_audit/internal/storage"
	"github.com/fidde/agent_audit/internal/storage/clickhouse"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "auditd",
		Short: "Audits AI-agent telemetry for behavioral drift and bias",
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", getEnv("AUDITD_CONFIG", ""), "path to YAML configuration")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newAnalyzeCmd(&configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newServeCmd runs the API server and the OTLP receivers until SIGTERM.
func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and OTLP receivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			log.Println("Starting agent behavior auditor...")

			store, err := storage.NewStore(storage.Config{
				Backend:    cfg.Storage.Backend,
				SQLitePath: cfg.Storage.SQLitePath,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Printf("Error closing storage: %v", err)
				}
			}()

			var archive receiver.RecordArchiver
			if cfg.Archive.Enabled {
				logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
				chCfg := clickhouse.DefaultConfig()
				chCfg.Addr = cfg.Archive.Addr
				chCfg.Database = cfg.Archive.Database
				chCfg.Username = cfg.Archive.Username
				chCfg.Password = cfg.Archive.Password

				chArchive, err := clickhouse.NewArchive(cmd.Context(), chCfg, logger)
				if err != nil {
					return fmt.Errorf("connecting record archive: %w", err)
				}
				defer chArchive.Close()
				archive = chArchive
				log.Printf("Record archive enabled: %s", cfg.Archive.Addr)
			}

			scanners := scanner.NewOrchestrator(
				scanner.NewAlignmentScanner(cfg.Scanner.AlignmentModel, cfg.Scanner.AlignmentEnabled),
				scanner.NewPromptGuardScanner(),
				scanner.NewDataDisclosureScanner(),
			)

			httpReceiver := receiver.NewHTTPReceiver(cfg.OTLPHTTPAddr, store, archive)
			grpcReceiver := receiver.NewGRPCReceiver(cfg.OTLPGRPCAddr, store, archive)
			apiServer := api.NewServer(cfg.APIAddr, store, cfg.Analysis, scanners)

			errChan := make(chan error, 3)
			go func() {
				log.Printf("Starting OTLP HTTP receiver on %s", cfg.OTLPHTTPAddr)
				if err := httpReceiver.Start(); err != nil {
					errChan <- fmt.Errorf("OTLP HTTP receiver error: %w", err)
				}
			}()
			go func() {
				log.Printf("Starting OTLP gRPC receiver on %s", cfg.OTLPGRPCAddr)
				if err := grpcReceiver.Start(); err != nil {
					errChan <- fmt.Errorf("OTLP gRPC receiver error: %w", err)
				}
			}()
			go func() {
				log.Printf("Starting REST API server on %s", cfg.APIAddr)
				if err := apiServer.Start(); err != nil {
					errChan <- fmt.Errorf("API server error: %w", err)
				}
			}()

			log.Println("OTLP endpoints:")
			log.Printf("  - HTTP: http://%s/v1/traces", cfg.OTLPHTTPAddr)
			log.Printf("  - gRPC: %s", cfg.OTLPGRPCAddr)
			log.Println("API endpoints:")
			log.Printf("  - Analyze: http://%s/api/v1/analyze", cfg.APIAddr)
			log.Printf("  - Scenarios: http://%s/api/v1/scenarios", cfg.APIAddr)
			log.Printf("  - Scan: http://%s/api/v1/scan", cfg.APIAddr)
			log.Printf("  - Health: http://%s/health", cfg.APIAddr)
			log.Printf("  - Metrics: http://%s/metrics", cfg.APIAddr)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errChan:
				return err
			case sig := <-sigChan:
				log.Printf("Received signal: %v, shutting down...", sig)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpReceiver.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error shutting down OTLP HTTP receiver: %v", err)
			}
			if err := grpcReceiver.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error shutting down OTLP gRPC receiver: %v", err)
			}
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error shutting down API server: %v", err)
			}

			log.Println("Shutdown complete")
			return nil
		},
	}
}

// newAnalyzeCmd runs a one-shot analysis over a payload file and prints the
// envelope as JSON.
func newAnalyzeCmd(configPath *string) *cobra.Command {
	var purpose string

	cmd := &cobra.Command{
		Use:   "analyze <payload.json>",
		Short: "Analyze one OTEL payload file and print the findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}

			env, err := analysis.Analyze(payload, cfg.Analysis, purpose)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(env)
		},
	}

	cmd.Flags().StringVar(&purpose, "purpose", "", "declared agent purpose for narrative context")
	return cmd
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
