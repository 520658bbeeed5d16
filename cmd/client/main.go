package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"DagBFT/client"
	"DagBFT/internal/crypto"
	"DagBFT/internal/logger"
	"DagBFT/internal/network"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		cfg       client.Config
		verbosity int
		delay     time.Duration
	)

	cmd := &cobra.Command{
		Use:           "client",
		Short:         "Benchmark client sending transactions to a worker",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			logger.Init(logger.LevelFromVerbosity(verbosity))

			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate client key:\n%w", err)
			}

			sender, err := network.NewSimpleSender(kp.Secret)
			if err != nil {
				return fmt.Errorf("create sender:\n%w", err)
			}
			defer sender.Close()

			cl, err := client.New(cfg, sender, clockwork.NewRealClock())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Give the nodes time to boot.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}

			return cl.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Target, "target", "", "The worker address where to send the transactions")
	f.IntVar(&cfg.Size, "size", 512, "The size of each transaction in bytes")
	f.Uint64Var(&cfg.Rate, "rate", 1000, "The rate (txs/s) at which to send the transactions")
	f.DurationVar(&delay, "delay", 0, "How long to wait before sending")
	f.CountVarP(&verbosity, "verbose", "v", "Sets the level of verbosity")
	cmd.MarkFlagRequired("target")

	return cmd
}
