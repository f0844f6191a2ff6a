// Command dbkeepctl is a thin command-line client for the dbkeep REST API.
//
// Server address and token come from --server/--token or the DBKEEP_SERVER
// and DBKEEP_TOKEN environment variables. Exit codes: 0 success, 2 usage or
// validation error, 3 authentication or authorization failure, 4 server
// unreachable, 5 partial success.
package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(codeUsage)
	}
}

type ctlOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func (o *ctlOptions) client() (*client, error) {
	if _, err := url.ParseRequestURI(o.server); err != nil {
		return nil, usageErr("invalid --server %q: %v", o.server, err)
	}
	return newClient(o.server, o.token, o.timeout), nil
}

func newRootCmd() *cobra.Command {
	opts := &ctlOptions{}

	root := &cobra.Command{
		Use:           "dbkeepctl",
		Short:         "Command-line client for the dbkeep backup server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOrDefault("DBKEEP_SERVER", "http://localhost:8080"), "dbkeep server base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("DBKEEP_TOKEN"), "Bearer token for the API")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Request timeout (downloads and backup-now can run long)")

	root.AddCommand(
		newVersionCmd(),
		newHealthCmd(opts),
		newListCmd(opts, "targets", "/automation/targets", "List configured database targets"),
		newListCmd(opts, "destinations", "/automation/destinations", "List configured destinations"),
		newListCmd(opts, "schedules", "/automation/schedules", "List configured schedules"),
		newAuditCmd(opts),
		newBackupNowCmd(opts),
		newRestoreNowCmd(opts),
		newRunNowCmd(opts),
		newRunEnabledNowCmd(opts),
		newBackupsCmd(opts),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbkeepctl %s\n", version)
		},
	}
}

func newHealthCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out any
			if err := c.do(cmd.Context(), "GET", "/health", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

// newListCmd builds the boilerplate "GET a collection" commands, which all
// share the same shape.
func newListCmd(opts *ctlOptions, use, path, short string) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out any
			p := fmt.Sprintf("%s?limit=%d&offset=%d", path, limit, offset)
			if err := c.do(cmd.Context(), "GET", p, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func newAuditCmd(opts *ctlOptions) *cobra.Command {
	var target, schedule, status string
	cmd := &cobra.Command{
		Use:   "audit [run-id]",
		Short: "Show run history, or one run by id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			path := "/automation/audit"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			} else {
				q := url.Values{}
				if target != "" {
					q.Set("target_id", target)
				}
				if schedule != "" {
					q.Set("schedule_id", schedule)
				}
				if status != "" {
					q.Set("status", status)
				}
				if len(q) > 0 {
					path += "?" + q.Encode()
				}
			}
			var out any
			if err := c.do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Filter by target id")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Filter by schedule id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (success, partial, failure)")
	return cmd
}

func newBackupNowCmd(opts *ctlOptions) *cobra.Command {
	var destinations []string
	var local bool
	cmd := &cobra.Command{
		Use:   "backup-now <target-id>",
		Short: "Run one ad-hoc backup and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			body := map[string]any{
				"target_id":         args[0],
				"destination_ids":   destinations,
				"use_local_storage": local,
			}
			var out map[string]any
			if err := c.do(cmd.Context(), "POST", "/automation/backup-now", body, &out); err != nil {
				return err
			}
			if err := printJSON(out); err != nil {
				return err
			}
			if status, _ := out["status"].(string); status == "partial" {
				return &exitError{code: codePartial, msg: "backup finished partially, see run detail"}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&destinations, "destination", nil, "Destination id (repeatable)")
	cmd.Flags().BoolVar(&local, "local", false, "Also store in the built-in local destination")
	return cmd
}

func newRestoreNowCmd(opts *ctlOptions) *cobra.Command {
	var destination, password, confirm string
	var local bool
	cmd := &cobra.Command{
		Use:   "restore-now <target-id> <backup-id>",
		Short: "Restore a backup into a target",
		Long: `Restore a backup into a target. Restores overwrite live data, so the
server refuses to run without the literal confirmation word RESTORE; pass
it with --confirm RESTORE.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			body := map[string]any{
				"target_id":           args[0],
				"backup_id":           args[1],
				"destination_id":      destination,
				"use_local_storage":   local,
				"confirmation":        confirm,
				"encryption_password": password,
			}
			var out any
			if err := c.do(cmd.Context(), "POST", "/automation/restore-now", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&destination, "destination", "", "Destination holding the backup (default: built-in local)")
	cmd.Flags().BoolVar(&local, "local", false, "Read the backup from the built-in local destination")
	cmd.Flags().StringVar(&password, "password", "", "Password for encrypted backups")
	cmd.Flags().StringVar(&confirm, "confirm", "", "Confirmation word, must be RESTORE")
	return cmd
}

func newRunNowCmd(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-now <schedule-id>",
		Short: "Trigger one schedule immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			path := "/automation/schedules/" + url.PathEscape(args[0]) + "/run-now"
			var out any
			if err := c.do(cmd.Context(), "POST", path, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newRunEnabledNowCmd(opts *ctlOptions) *cobra.Command {
	var maxSchedules int
	cmd := &cobra.Command{
		Use:   "run-enabled-now",
		Short: "Trigger every enabled schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			body := map[string]any{"max_schedules": maxSchedules}
			var out map[string]any
			if err := c.do(cmd.Context(), "POST", "/automation/schedules/run-enabled-now", body, &out); err != nil {
				return err
			}
			if err := printJSON(out); err != nil {
				return err
			}
			if skipped, _ := out["skipped"].(float64); skipped > 0 {
				return &exitError{code: codePartial, msg: fmt.Sprintf("%v schedules skipped (busy)", skipped)}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxSchedules, "max", 0, "Trigger at most this many schedules (0: server default)")
	return cmd
}

func newBackupsCmd(opts *ctlOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Work with artifacts in the built-in local destination",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List local backup artifacts",
		RunE: func(c *cobra.Command, args []string) error {
			cl, err := opts.client()
			if err != nil {
				return err
			}
			var out any
			if err := cl.do(c.Context(), "GET", "/backup/list", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	var output string
	download := &cobra.Command{
		Use:   "download <filename>",
		Short: "Download a local backup artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cl, err := opts.client()
			if err != nil {
				return err
			}
			dest := output
			if dest == "" {
				dest = args[0]
			}
			f, err := os.Create(dest)
			if err != nil {
				return err
			}
			defer f.Close()
			path := "/backup/download/" + url.PathEscape(args[0])
			if err := cl.download(c.Context(), path, f); err != nil {
				os.Remove(dest)
				return err
			}
			fmt.Fprintf(os.Stderr, "saved %s\n", dest)
			return nil
		},
	}
	download.Flags().StringVarP(&output, "output", "o", "", "Output file (default: the artifact's filename)")
	cmd.AddCommand(download)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <filename>",
		Short: "Delete a local backup artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cl, err := opts.client()
			if err != nil {
				return err
			}
			path := "/backup/delete/" + url.PathEscape(args[0])
			if err := cl.do(c.Context(), "DELETE", path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
