package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/urfave/cli/v3"

	"github.com/xwell/autobrr-loadbalance/internal/config"
	"github.com/xwell/autobrr-loadbalance/internal/qbit"
)

// checkCmd probes every configured instance once and reports reachability,
// without starting any of the background loops.
func checkCmd() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Verify connectivity and credentials for every configured instance",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			type result struct {
				name string
				err  error
			}
			results := make([]result, len(cfg.Instances))

			var wg sync.WaitGroup
			for i, ic := range cfg.Instances {
				wg.Add(1)
				go func(i int, ic config.InstanceConfig) {
					defer wg.Done()
					client := qbit.NewClient(ic.URL, ic.Username, ic.Password, cfg.Connection.Timeout())
					callCtx, cancel := context.WithTimeout(ctx, cfg.Connection.Timeout())
					defer cancel()
					_, err := client.Login(callCtx)
					results[i] = result{name: ic.Name, err: err}
				}(i, ic)
			}
			wg.Wait()

			failed := 0
			for _, r := range results {
				if r.err != nil {
					failed++
					fmt.Printf("%-20s FAIL  %v\n", r.name, r.err)
				} else {
					fmt.Printf("%-20s OK\n", r.name)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d instances unreachable", failed, len(cfg.Instances))
			}
			return nil
		},
	}
}
