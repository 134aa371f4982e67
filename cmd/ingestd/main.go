package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-ingest/internal/config"
	"github.com/loqalabs/loqa-ingest/internal/delivery"
	"github.com/loqalabs/loqa-ingest/internal/mcpserver"
	"github.com/loqalabs/loqa-ingest/internal/runtime"
	"github.com/loqalabs/loqa-ingest/internal/session"
	"github.com/loqalabs/loqa-ingest/internal/sink"
	"github.com/loqalabs/loqa-ingest/internal/store"
	"github.com/loqalabs/loqa-ingest/internal/stt"
	"github.com/loqalabs/loqa-ingest/internal/webhook"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ingestd",
	Short:         "Transcript ingestion, chunking and signed delivery",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ingest.yaml", "Path to configuration file (.yaml or .toml)")
	rootCmd.AddCommand(
		serveCmd(),
		transcribeCmd(),
		sinkCmd(),
		mcpCmd(),
		versionCmd(),
	)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := newLogger(os.Stdout, cfg.Telemetry.LogLevel)
			cfgs := config.NewStaticManager(configPath, cfg, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runtime.New(cfgs, logger).Start(ctx); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func transcribeCmd() *cobra.Command {
	var sessionID, lang, tier string
	cmd := &cobra.Command{
		Use:   "transcribe <file>",
		Short: "Transcribe a recording once, deliver it and print the chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.STT.InputFormat = stt.FormatFile
			logger := newLogger(os.Stderr, cfg.Telemetry.LogLevel)
			cfgs := config.NewStaticManager(configPath, cfg, logger)

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := cmd.Context()
			st, err := store.Open(ctx, cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			recognizer, err := stt.New(cfg.STT, logger)
			if err != nil {
				return err
			}
			fallback := func() delivery.Destination {
				d := cfgs.Current().Delivery
				return delivery.Destination{ChunkURL: d.ChunkURL, FinalURL: d.FinalURL, Secret: d.Secret}
			}
			mgr, err := session.NewManager(cfgs, session.Deps{
				Store:        st,
				Recognizer:   recognizer,
				Destinations: webhook.NewRegistry(st, fallback),
				Delivery:     delivery.NewClient(cfg.Delivery, logger),
			}, logger)
			if err != nil {
				return err
			}

			res, err := mgr.Transcribe(ctx, session.BatchRequest{
				SessionID: sessionID,
				Lang:      lang,
				Tier:      tier,
				Filename:  args[0],
				Body:      f,
			})
			drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if derr := mgr.Shutdown(drainCtx); derr != nil {
				logger.Warn("deliveries still pending at exit", slog.String("error", derr.Error()))
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Session id (random when empty)")
	cmd.Flags().StringVar(&lang, "lang", "", "Language tag (defaults to session.default_lang)")
	cmd.Flags().StringVar(&tier, "tier", "", "Tier name (defaults to session.default_tier)")
	return cmd
}

func sinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sink",
		Short: "Run the reference receiver for delivered chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := newLogger(os.Stdout, cfg.Telemetry.LogLevel)

			srv, err := sink.NewServer(cfg.Sink, nil, nil, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve session, chunk and transcript queries as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			// stdout carries the protocol
			logger := newLogger(os.Stderr, cfg.Telemetry.LogLevel)

			st, err := store.Open(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			return mcpserver.ServeStdio(mcpserver.New(st, version, logger))
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
