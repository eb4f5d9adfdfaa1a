package command

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type jobRef struct {
	ID string `json:"id"`
}

func NewJobCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job [subcommand]",
		Short: "Submit, inspect and manage jobs",
	}
	cmd.AddCommand(
		newJobSubmitCommand(cli),
		newJobCloneCommand(cli),
		newJobListCommand(cli),
		newJobCancelCommand(cli),
		newJobDeleteCommand(cli),
		newJobModifyCommand(cli),
		newJobXMLCommand(cli),
	)
	return cmd
}

func newJobSubmitCommand(cli *CLI) *cobra.Command {
	var ignoreMissing bool
	cmd := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Submit job XML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if ignoreMissing {
				q.Set("ignore_missing_tasks", "true")
			}
			var submitted []string
			for _, path := range args {
				body, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				out, err := cli.Client.Raw(cmd.Context(), http.MethodPost, "/jobs", q, "application/xml", body)
				if err != nil {
					return fmt.Errorf("submit %s: %w", path, err)
				}
				var ref jobRef
				if err := json.Unmarshal(out, &ref); err != nil {
					return err
				}
				submitted = append(submitted, ref.ID)
			}
			cli.Printf("Submitted: %s\n", strings.Join(submitted, " "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&ignoreMissing, "ignore-missing-tasks", false, "Drop tasks that are not in the task library instead of failing")
	return cmd
}

func newJobCloneCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "clone J:ID...",
		Short: "Resubmit copies of existing jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var submitted []string
			for _, id := range args {
				var ref jobRef
				if err := cli.Client.JSON(cmd.Context(), http.MethodPost, "/jobs/"+url.PathEscape(id)+"/clone", nil, nil, &ref); err != nil {
					return fmt.Errorf("clone %s: %w", id, err)
				}
				submitted = append(submitted, ref.ID)
			}
			cli.Printf("Submitted: %s\n", strings.Join(submitted, " "))
			return nil
		},
	}
}

type listOptions struct {
	tags         []string
	owners       []string
	family       string
	product      string
	whiteboard   string
	minID        int64
	maxID        int64
	completeDays int
	limit        int
	mine         bool
}

func (o listOptions) query() url.Values {
	q := url.Values{}
	for _, t := range o.tags {
		q.Add("tag", t)
	}
	for _, owner := range o.owners {
		q.Add("owner", owner)
	}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("family", o.family)
	set("product", o.product)
	set("whiteboard", o.whiteboard)
	if o.minID > 0 {
		q.Set("minid", strconv.FormatInt(o.minID, 10))
	}
	if o.maxID > 0 {
		q.Set("maxid", strconv.FormatInt(o.maxID, 10))
	}
	if o.completeDays > 0 {
		q.Set("days_complete", strconv.Itoa(o.completeDays))
	}
	if o.limit > 0 {
		q.Set("limit", strconv.Itoa(o.limit))
	}
	if o.mine {
		q.Set("mine", "true")
	}
	return q
}

func newJobListCommand(cli *CLI) *cobra.Command {
	var opts listOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job ids matching the filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				IDs []string `json:"ids"`
			}
			if err := cli.Client.JSON(cmd.Context(), http.MethodGet, "/jobs", opts.query(), nil, &resp); err != nil {
				return err
			}
			out, err := json.Marshal(resp.IDs)
			if err != nil {
				return err
			}
			cli.Printf("%s\n", out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&opts.tags, "tag", nil, "Retention tag (repeatable)")
	f.StringArrayVar(&opts.owners, "owner", nil, "Job owner (repeatable)")
	f.StringVar(&opts.family, "family", "", "OS family of any recipe")
	f.StringVar(&opts.product, "product", "", "Product")
	f.StringVar(&opts.whiteboard, "whiteboard", "", "Whiteboard substring")
	f.Int64Var(&opts.minID, "min-id", 0, "Smallest job id")
	f.Int64Var(&opts.maxID, "max-id", 0, "Largest job id")
	f.IntVar(&opts.completeDays, "complete-days", 0, "Only jobs finished at least this many days ago")
	f.IntVar(&opts.limit, "limit", 0, "Return at most this many jobs")
	f.BoolVar(&opts.mine, "mine", false, "Only jobs owned by the current user")
	return cmd
}

func newJobCancelCommand(cli *CLI) *cobra.Command {
	var msg string
	cmd := &cobra.Command{
		Use:   "cancel J:ID...",
		Short: "Cancel running or queued jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				req := map[string]string{"action": "cancel", "msg": msg}
				if err := cli.Client.JSON(cmd.Context(), http.MethodPost, "/jobs/"+url.PathEscape(id)+"/stop", nil, req, nil); err != nil {
					return fmt.Errorf("cancel %s: %w", id, err)
				}
				cli.Printf("Cancelled %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&msg, "msg", "", "Reason recorded with the cancellation")
	return cmd
}

func newJobDeleteCommand(cli *CLI) *cobra.Command {
	var (
		tags         []string
		family       string
		product      string
		completeDays int
		dryrun       bool
	)
	cmd := &cobra.Command{
		Use:   "delete [J:ID...]",
		Short: "Mark jobs for deletion, by id or by filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) > 0 {
				if dryrun {
					cli.Printf("Jobs deleted: %s\n", strings.Join(args, " "))
					return nil
				}
				for _, id := range args {
					if err := cli.Client.JSON(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil, nil); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
				}
				cli.Printf("Jobs deleted: %s\n", strings.Join(args, " "))
				return nil
			}
			if len(tags) == 0 && family == "" && product == "" && completeDays == 0 {
				return fmt.Errorf("give job ids or at least one of --tag, --family, --product, --complete-days")
			}
			req := map[string]any{
				"tags":          tags,
				"family":        family,
				"product":       product,
				"complete_days": completeDays,
				"dryrun":        dryrun,
			}
			var resp struct {
				Deleted []string `json:"deleted"`
			}
			if err := cli.Client.JSON(ctx, http.MethodPost, "/jobs/+delete", nil, req, &resp); err != nil {
				return err
			}
			cli.Printf("Jobs deleted: %s\n", strings.Join(resp.Deleted, " "))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&tags, "tag", nil, "Retention tag (repeatable)")
	f.StringVar(&family, "family", "", "OS family")
	f.StringVar(&product, "product", "", "Product")
	f.IntVar(&completeDays, "complete-days", 0, "Only jobs finished at least this many days ago")
	f.BoolVar(&dryrun, "dryrun", false, "Report what would be deleted without deleting")
	return cmd
}

func newJobModifyCommand(cli *CLI) *cobra.Command {
	var response, priority, retentionTag, product, whiteboard string
	cmd := &cobra.Command{
		Use:   "modify J:ID|RS:ID",
		Short: "Change job or recipe set attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			flags := cmd.Flags()
			if strings.HasPrefix(id, "RS:") {
				patch := map[string]string{}
				if flags.Changed("priority") {
					patch["priority"] = priority
				}
				if flags.Changed("response") {
					patch["response"] = response
				}
				if len(patch) == 0 {
					return fmt.Errorf("recipe sets accept --priority and --response")
				}
				if err := cli.Client.JSON(ctx, http.MethodPatch, "/recipesets/"+url.PathEscape(id), nil, patch, nil); err != nil {
					return err
				}
				cli.Printf("Modified %s\n", id)
				return nil
			}

			if flags.Changed("priority") {
				return fmt.Errorf("priority can only be changed on a recipe set")
			}
			if flags.Changed("response") {
				req := map[string]string{"response": response}
				if err := cli.Client.JSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/response", nil, req, nil); err != nil {
					return err
				}
			}
			patch := map[string]string{}
			if flags.Changed("retention-tag") {
				patch["retention_tag"] = retentionTag
			}
			if flags.Changed("product") {
				patch["product"] = product
			}
			if flags.Changed("whiteboard") {
				patch["whiteboard"] = whiteboard
			}
			if len(patch) > 0 {
				if err := cli.Client.JSON(ctx, http.MethodPatch, "/jobs/"+url.PathEscape(id), nil, patch, nil); err != nil {
					return err
				}
			}
			cli.Printf("Modified %s\n", id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&response, "response", "", "ack or nak")
	f.StringVar(&priority, "priority", "", "Recipe set priority")
	f.StringVar(&retentionTag, "retention-tag", "", "Retention tag")
	f.StringVar(&product, "product", "", "Product")
	f.StringVar(&whiteboard, "whiteboard", "", "Whiteboard")
	return cmd
}

func newJobXMLCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "xml J:ID|RS:ID",
		Short: "Print the submittable XML of a job or recipe set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/jobs/" + url.PathEscape(args[0]) + "/xml"
			if strings.HasPrefix(args[0], "RS:") {
				path = "/recipesets/" + url.PathEscape(args[0]) + "/xml"
			}
			out, err := cli.Client.Raw(cmd.Context(), http.MethodGet, path, nil, "", nil)
			if err != nil {
				return err
			}
			cli.Printf("%s\n", out)
			return nil
		},
	}
}
