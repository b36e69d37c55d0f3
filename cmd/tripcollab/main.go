package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devinvista/Trip-sub003/internal/identity"
	"github.com/devinvista/Trip-sub003/internal/server"
	"github.com/devinvista/Trip-sub003/pkg/config"
	"github.com/devinvista/Trip-sub003/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

const AppName = "tripcollab"

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	// a missing .env file is normal outside development
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	cmd := &cli.Command{
		Name:    AppName,
		Usage:   "real-time collaborative trip editing server",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config", Usage: "config file name (without extension) in the working directory"},
			&cli.StringFlag{Name: "log-level", Usage: "overrides log.level (debug, info, warn, error)"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the WebSocket server (default)",
				Action: serve,
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Printf("%s %s\n", AppName, Version)
					return nil
				},
			},
			{
				Name:  "token",
				Usage: "issue a session token signed with server.auth.jwtSecret, for development",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true, Usage: "user id (sub claim)"},
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime"},
				},
				Action: issueToken,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, *slog.Logger, error) {
	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, cmd.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	levelName := cfg.Log.Level
	if override := cmd.String("log-level"); override != "" {
		levelName = override
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Info("Starting", slog.String("app", AppName), slog.String("version", Version))

	deps, closeDeps, err := buildDependencies(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer closeDeps()

	app := server.NewApp(logger, ctx, cfg, deps)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}

func issueToken(_ context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	name := cmd.String("name")
	if name == "" {
		name = cmd.String("user")
	}
	tok, err := identity.NewJWTProvider(cfg.Server.Auth.JWTSecret).Issue(cmd.String("user"), name, cmd.Duration("ttl"))
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Println(tok)
	return nil
}
