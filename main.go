package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chat-protocol-gateway/internal/app"
	"chat-protocol-gateway/internal/config"

	"github.com/urfave/cli/v3"
)

// This will be set by build process
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chat-protocol-gateway: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "chat-protocol-gateway",
		Usage:   "Serve OpenAI Chat Completions and Anthropic Messages clients from one OpenAI-compatible upstream",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: "config.yaml",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Override gateway listen port",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` before reading the config",
				Value: []string{".env"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log level (trace|debug|info|warn|error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the gateway",
				Action: serveAction,
			},
			{
				Name:   "check-config",
				Usage:  "Validate the configuration and print the resolved values",
				Action: checkConfigAction,
			},
		},
		Action: serveAction,
	}
}

// loadConfig 读取配置并应用命令行覆盖
func loadConfig(cmd *cli.Command) (*config.Config, func(*config.Config), error) {
	cfg, err := config.LoadConfig(cmd.String("config"), cmd.StringSlice("env-file")...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	overrides := func(c *config.Config) {
		if cmd.IsSet("port") {
			c.Server.Port = int(cmd.Int("port"))
		}
		if level := cmd.String("log-level"); level != "" {
			c.Logging.Level = level
		}
	}
	overrides(cfg)

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration after command line overrides: %w", err)
	}
	return cfg, overrides, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, overrides, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("Chat Protocol Gateway %s\n", Version)
	fmt.Printf("Listening on %s:%d, upstream %s\n", cfg.Server.Host, cfg.Server.Port, cfg.Upstream.BaseURL)

	application, err := app.New(cfg, app.Options{
		ConfigPath: cmd.String("config"),
		Overrides:  overrides,
		Version:    Version,
	})
	if err != nil {
		return err
	}
	return application.Run(ctx)
}

func checkConfigAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := config.Dump(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Fprintf(os.Stdout, "# %s is valid\n%s", cmd.String("config"), out)
	return nil
}
