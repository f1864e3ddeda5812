// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/logger"
)

var (
	cfg         *config.Config
	log         *zap.Logger
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Campaign send pipeline workers",
	Long: `Runs the stages of the campaign send pipeline:

  scheduler     emits per-recipient work items for active campaigns
  orchestrator  creates the email of each recipient's current step
  router        assigns a sending identity under provider rate limits
  sender        delivers routed emails over SMTP or Microsoft Graph

Each stage scales independently; "all" runs every stage in one process.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		log, err = logger.New(cfg.LogLevel, cfg.LogDevelopment)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func stageCommand(stage, short string) *cobra.Command {
	return &cobra.Command{
		Use:   stage,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), stage)
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address of the /metrics and /healthz listener (empty disables it)")

	rootCmd.AddCommand(
		stageCommand(stageScheduler, "Run the scheduler loop"),
		stageCommand(stageOrchestrator, "Consume campaign.send and create step emails"),
		stageCommand(stageRouter, "Consume email.route and assign senders"),
		stageCommand(stageSender, "Consume email.send and deliver emails"),
		stageCommand(stageAll, "Run every stage in one process"),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
