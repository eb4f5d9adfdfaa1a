package command

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// CLI is the state shared by every subcommand.
type CLI struct {
	Client *Client
	Out    io.Writer
}

func (c *CLI) Printf(format string, a ...any) {
	fmt.Fprintf(c.Out, format, a...)
}

func NewRootCommand(cli *CLI) *cobra.Command {
	var serverFlag, userFlag string
	cmd := &cobra.Command{
		Use:           "labctl",
		Short:         "Command line client for the lab job and reservation API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cli.Client = NewClient(serverFlag, userFlag)
			cli.Out = cmd.OutOrStdout()
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVar(&serverFlag, "server", envOr("BEAKER_URL", "http://localhost:8080"), "API base URL")
	cmd.PersistentFlags().StringVar(&userFlag, "user", envOr("BEAKER_USER", os.Getenv("USER")), "User name to act as")
	AddCommands(cmd, cli)
	return cmd
}

// AddCommands registers all subcommands to the root command.
func AddCommands(root *cobra.Command, cli *CLI) {
	root.AddCommand(
		NewJobCommand(cli),
		NewSystemCommand(cli),
	)
}

func Execute() {
	cli := &CLI{Out: os.Stdout}
	root := NewRootCommand(cli)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
