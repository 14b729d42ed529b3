package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/app"
	"github.com/zhouzirui/personify/backend/internal/config"
	"github.com/zhouzirui/personify/backend/internal/logging"
)

var (
	verbose bool
	current *app.App
)

var rootCmd = &cobra.Command{
	Use:           "personify",
	Short:         "Summarize and discuss web pages with personas",
	Long:          "Manage personas, move them between installations and ask them about web pages.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		_ = godotenv.Load()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := logging.Console(verbose)
		zap.ReplaceGlobals(logger)

		current, err = app.Open(cmd.Context(), cfg, logger)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if current == nil {
			return nil
		}
		return current.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		if current != nil {
			_ = current.Close()
		}
		os.Exit(1)
	}
}

func printTable(rows pterm.TableData) {
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
