package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/botgate/internal/relay"
	"github.com/amurg-ai/botgate/internal/tui/console"
)

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Open an operator console for one bot",
		Long: "Attach to a running gateway as an operator for one bot identity.\n" +
			"Type /start <goal>, /stop, /restart or /clear; any other text is sent to the agent.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			bot, _ := cmd.Flags().GetString("bot")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer stop()
			return console.Run(ctx, addr, bot)
		},
	}
	cmd.Flags().String("addr", "localhost:7780", "gateway address (host:port or URL)")
	cmd.Flags().StringP("bot", "b", relay.DefaultIdentity, "bot identity to operate")
	return cmd
}
