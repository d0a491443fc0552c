package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amurg-ai/botgate/internal/wizard"
	"github.com/amurg-ai/botgate/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			w := wizard.New(cli.New(cmd.InOrStdin(), cmd.OutOrStdout()))
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./botgate.json); .yaml writes YAML")
	cmd.Flags().Bool("defaults", false, "write a config from environment variables and defaults without prompting")
	return cmd
}
