package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/xwell/autobrr-loadbalance/internal/config"
	"github.com/xwell/autobrr-loadbalance/internal/logging"
	"github.com/xwell/autobrr-loadbalance/internal/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the load balancer (pollers, webhook and watch directory)",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if v := cmd.String("log-level"); v != "" {
				cfg.Logging.Level = v
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := logging.Setup(cfg.Logging.Level, cfg.LogDir); err != nil {
				return fmt.Errorf("setup logging: %w", err)
			}

			return server.Run(ctx, cfg)
		},
	}
}
