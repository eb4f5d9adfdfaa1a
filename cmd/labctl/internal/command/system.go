package command

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func NewSystemCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system [subcommand]",
		Short: "Reserve, lend and configure systems",
	}
	cmd.AddCommand(
		newSystemPolicyCommand(cli),
		newSystemReserveCommand(cli),
		newSystemReleaseCommand(cli),
		newSystemLoanCommand(cli),
		newSystemReturnCommand(cli),
	)
	return cmd
}

func systemPath(fqdn string) string {
	return "/systems/" + url.PathEscape(fqdn)
}

func newSystemPolicyCommand(cli *CLI) *cobra.Command {
	var (
		custom bool
		pool   string
	)
	cmd := &cobra.Command{
		Use:   "policy FQDN",
		Short: "Switch the active access policy of a system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if custom == (pool != "") {
				return fmt.Errorf("give exactly one of --custom or --pool")
			}
			sel := map[string]any{}
			if custom {
				sel["custom"] = true
			} else {
				sel["pool_name"] = pool
			}
			req := map[string]any{"active_access_policy": sel}
			if err := cli.Client.JSON(cmd.Context(), http.MethodPatch, systemPath(args[0]), nil, req, nil); err != nil {
				return err
			}
			if custom {
				cli.Printf("%s now uses its custom access policy\n", args[0])
			} else {
				cli.Printf("%s now uses the policy of pool %s\n", args[0], pool)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&custom, "custom", false, "Use the system's own access policy")
	cmd.Flags().StringVar(&pool, "pool", "", "Use the access policy of this pool")
	return cmd
}

func newSystemReserveCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "reserve FQDN",
		Short: "Take a manual reservation of a system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.Client.JSON(cmd.Context(), http.MethodPost, systemPath(args[0])+"/reservations/", nil, nil, nil); err != nil {
				return err
			}
			cli.Printf("Reserved %s\n", args[0])
			return nil
		},
	}
}

func newSystemReleaseCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "release FQDN",
		Short: "End the current reservation of a system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{"finish_time": "now"}
			if err := cli.Client.JSON(cmd.Context(), http.MethodPatch, systemPath(args[0])+"/reservations/+current", nil, req, nil); err != nil {
				return err
			}
			cli.Printf("Released %s\n", args[0])
			return nil
		},
	}
}

func newSystemLoanCommand(cli *CLI) *cobra.Command {
	var recipient, comment string
	cmd := &cobra.Command{
		Use:   "loan FQDN",
		Short: "Lend a system to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{"recipient": recipient, "comment": comment}
			if err := cli.Client.JSON(cmd.Context(), http.MethodPost, systemPath(args[0])+"/loans/", nil, req, nil); err != nil {
				return err
			}
			cli.Printf("Loaned %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "Loanee (defaults to the current user)")
	cmd.Flags().StringVar(&comment, "comment", "", "Loan comment")
	return cmd
}

func newSystemReturnCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "return FQDN",
		Short: "Return a loaned system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{"finish_time": "now"}
			if err := cli.Client.JSON(cmd.Context(), http.MethodPatch, systemPath(args[0])+"/loans/+current", nil, req, nil); err != nil {
				return err
			}
			cli.Printf("Returned loan of %s\n", args[0])
			return nil
		},
	}
}
