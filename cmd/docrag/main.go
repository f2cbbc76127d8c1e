// Package main implements the docrag CLI: register documents, index them,
// search them and ask grounded questions about them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	tenant     string
	json       bool
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "docrag",
		Short: "Retrieval-augmented answers over your documents",
		Long: `docrag splits documents into chunks, embeds them into a per-tenant
vector index and answers questions using only the most similar chunks.

Configuration is read from ~/.config/docrag/config.yaml (or --config) and
DOCRAG_* environment variables. A .env file in the working directory is
loaded first.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/docrag/config.yaml)")
	root.PersistentFlags().StringVar(&opts.tenant, "tenant", "default", "tenant identifier")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output results as JSON")

	root.AddCommand(
		newAddCmd(opts),
		newDocumentsCmd(opts),
		newIngestCmd(opts),
		newForgetCmd(opts),
		newSearchCmd(opts),
		newAskCmd(opts),
		newHistoryCmd(opts),
		newFeedbackCmd(opts),
		newIndexCmd(opts),
	)
	return root
}
