package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"notebot/internal/access"
	"notebot/internal/bus"
	"notebot/internal/channel"
	"notebot/internal/config"
	"notebot/internal/domain"
	"notebot/internal/fetch"
	"notebot/internal/history"
	"notebot/internal/memos"
	"notebot/internal/metrics"
	"notebot/internal/relay"
	"notebot/internal/trigger"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "notebot",
		Short: "NoteBot: chat-triggered Memos sync",
		Long:  "NoteBot watches chat messages for a trigger keyword and relays the trailing text and images to a Memos instance.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.notebot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// setupLogger rebuilds the process logger from config (level and optional file).
func setupLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			out = f
		}
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and scratch directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			scratch := config.ExpandPath(cfg.Relay.ScratchDir)
			if err := os.MkdirAll(scratch, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "scratch", scratch)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (all enabled channels)",
		Long:  "Starts all enabled channels and the relay loop. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)

	var store *history.SQLiteStore
	if cfg.History.Enabled {
		store, err = history.NewSQLiteStore(cfg.History.DBPath, logger)
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer store.Close()
	}

	policy := access.NewPolicy(access.PolicyConfig{
		PrivilegedUsers: cfg.Access.PrivilegedUsers,
		AllowedChannels: cfg.Access.AllowedChannels,
		RulesFile:       cfg.Access.RulesFile,
		Logger:          logger,
	})

	client := memos.NewClient(memos.ClientConfig{
		BaseURL:       cfg.Memos.BaseURL,
		AccessToken:   cfg.Memos.AccessToken,
		DefaultTags:   cfg.Memos.DefaultTags,
		NoteTimeout:   time.Duration(cfg.Memos.NoteTimeoutSeconds) * time.Second,
		UploadTimeout: time.Duration(cfg.Memos.UploadTimeoutSeconds) * time.Second,
		Logger:        logger,
	})

	fetcher := fetch.NewFetcher(fetch.FetcherConfig{
		ScratchDir: cfg.Relay.ScratchDir,
		Logger:     logger,
	})

	relayCfg := relay.Config{
		Policy:      policy,
		Detector:    trigger.NewDetector(cfg.Relay.Keyword),
		Client:      client,
		Fetcher:     fetcher,
		Bus:         messageBus,
		Logger:      logger,
		Concurrency: cfg.Relay.MaxConcurrentMessages,
	}
	if store != nil {
		relayCfg.History = store
	}
	relayLoop := relay.New(relayCfg)

	go relayLoop.Run(ctx)

	channels := startChannels(ctx, cfg, messageBus)
	if len(channels) == 0 {
		return fmt.Errorf("no channels enabled, nothing to relay (enable one in %s)", cfgPath)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Addr)
	}

	logger.Info("relay started. Press Ctrl+C to stop.", "version", version, "keyword", cfg.Relay.Keyword)

	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			ch.Stop()
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// startChannels starts every enabled channel and returns the started set.
func startChannels(ctx context.Context, cfg *config.Config, messageBus domain.MessageBus) []domain.Channel {
	var channels []domain.Channel

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:  cfg.Channels.Telegram.Token,
			Logger: logger,
		})
		channels = append(channels, tg)
		go func() {
			if err := tg.Start(ctx, messageBus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc := channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  logger,
		})
		channels = append(channels, dc)
		go func() {
			if err := dc.Start(ctx, messageBus); err != nil {
				logger.Error("discord channel error", "err", err)
			}
		}()
		logger.Info("discord channel enabled")
	}

	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken != "" {
		sl := channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Logger:   logger,
		})
		channels = append(channels, sl)
		go func() {
			if err := sl.Start(ctx, messageBus); err != nil {
				logger.Error("slack channel error", "err", err)
			}
		}()
		logger.Info("slack channel enabled")
	}

	return channels
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", "err", err)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config status and probe the Memos instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)

			client := memos.NewClient(memos.ClientConfig{
				BaseURL:     cfg.Memos.BaseURL,
				AccessToken: cfg.Memos.AccessToken,
				Logger:      logger,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Healthy(ctx); err != nil {
				logger.Info("memos", "base_url", cfg.Memos.BaseURL, "healthy", false, "err", err)
			} else {
				logger.Info("memos", "base_url", cfg.Memos.BaseURL, "healthy", true)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var imagePath string
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Relay a one-off note from the command line",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			text := ""
			if len(args) > 0 {
				text = args[0]
			}
			if text == "" && imagePath == "" {
				return fmt.Errorf("nothing to send: provide text or --image")
			}

			client := memos.NewClient(memos.ClientConfig{
				BaseURL:       cfg.Memos.BaseURL,
				AccessToken:   cfg.Memos.AccessToken,
				DefaultTags:   cfg.Memos.DefaultTags,
				NoteTimeout:   time.Duration(cfg.Memos.NoteTimeoutSeconds) * time.Second,
				UploadTimeout: time.Duration(cfg.Memos.UploadTimeoutSeconds) * time.Second,
				Logger:        logger,
			})

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			var memoID string
			if imagePath != "" {
				attachmentID, err := client.UploadAttachment(ctx, imagePath, filepath.Base(imagePath))
				if err != nil {
					return fmt.Errorf("upload image: %w", err)
				}
				memoID, err = client.CreateNoteWithAttachment(ctx, text, attachmentID)
				if err != nil {
					return fmt.Errorf("create memo: %w", err)
				}
			} else {
				memoID, err = client.CreateTextNote(ctx, text)
				if err != nil {
					return fmt.Errorf("create memo: %w", err)
				}
			}

			fmt.Println("Memo ID:", memoID)
			return nil
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "path to an image to attach")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("history is disabled in config")
			}

			store, err := history.NewSQLiteStore(cfg.History.DBPath, logger)
			if err != nil {
				return fmt.Errorf("history store: %w", err)
			}
			defer store.Close()

			recs, err := store.Recent(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no sync records yet")
				return nil
			}
			for _, r := range recs {
				fmt.Printf("%s  memo=%s  attachments=%d  %s/%s (sender %s)\n",
					r.CreatedAt.Format("2006-01-02 15:04:05"),
					r.MemoID, r.Attachments, r.Channel, r.ChatID, r.SenderID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to list")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. relay.keyword)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. relay.keyword memo)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
