package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
	"DagBFT/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the node command tree.
func newRootCommand() *cobra.Command {
	var verbosity int

	root := &cobra.Command{
		Use:           "node",
		Short:         "A DAG-based BFT consensus node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logger.Init(logger.LevelFromVerbosity(verbosity))
		},
	}

	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Sets the level of verbosity (repeat for more)")

	root.AddCommand(newGenerateKeysCommand(), newRunCommand())

	return root
}

// newGenerateKeysCommand builds "generate_keys".
func newGenerateKeysCommand() *cobra.Command {
	var filename string

	cmd := &cobra.Command{
		Use:   "generate_keys",
		Short: "Print a fresh key pair to file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate key pair:\n%w", err)
			}

			if err := config.ExportKeyPair(filename, kp); err != nil {
				return fmt.Errorf("export key pair:\n%w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&filename, "filename", "", "The file where to print the new key pair")
	cmd.MarkFlagRequired("filename")

	return cmd
}

// newRunCommand builds "run" and its primary and worker subcommands.
func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node",
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.keys, "keys", "", "The file containing the node keys")
	pf.StringVar(&flags.committee, "committee", "", "The file containing committee information")
	pf.StringVar(&flags.parameters, "parameters", "", "The file containing the node parameters")
	pf.StringVar(&flags.store, "store", "", "The path where to create the data store")
	pf.StringVar(&flags.metrics, "metrics", "", "The address to serve Prometheus metrics on")

	for _, name := range []string{"keys", "committee", "store"} {
		cmd.MarkPersistentFlagRequired(name)
	}

	primaryCmd := &cobra.Command{
		Use:   "primary",
		Short: "Run a single primary",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runNode(c.Context(), flags, rolePrimary, 0)
		},
	}

	var id uint32

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runNode(c.Context(), flags, roleWorker, config.WorkerID(id))
		},
	}

	workerCmd.Flags().Uint32Var(&id, "id", 0, "The worker id")
	workerCmd.MarkFlagRequired("id")

	cmd.AddCommand(primaryCmd, workerCmd)

	return cmd
}
