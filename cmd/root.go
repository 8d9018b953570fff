package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/intake-bot/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "intake-bot",
	Short: "Telegram intake funnel for a family-law practice",
	Long:  "Walks prospective divorce clients through a short questionnaire, estimates cost and duration, captures a phone number, and delivers the lead to storage, a webhook, and the CRM.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
