package cmd

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentserver/projectbox/internal/events"
	"github.com/agentserver/projectbox/internal/migrate"
	"github.com/agentserver/projectbox/internal/orchestrator"
	"github.com/agentserver/projectbox/internal/snapshot"
)

var (
	statusAction string

	snapshotPage  int
	snapshotLimit int
	snapshotOrder string
)

var openCmd = &cobra.Command{
	Use:   "open ID",
	Short: "Ensure the project has a running sandbox",
	Long: `Reuse the bound sandbox when it is alive and not about to expire;
otherwise create a new one and restore the latest snapshot into it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := c.OpenProject(ctx, args[0])
		if err != nil {
			return describeError(err)
		}
		return render(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintf(w, "%s: %s\n", res.Status, res.Message)
			fmt.Fprintf(w, "sandbox  %s\n", res.SandboxID)
			fmt.Fprintf(w, "endpoint %s\n", res.EndpointURL)
			fmt.Fprintf(w, "expires  %s\n", humanize.Time(res.ExpiresAt))
			if res.Degraded {
				fmt.Fprintln(w, "environment is degraded")
			}
			for _, warn := range res.Warnings {
				fmt.Fprintf(w, "warning: %s\n", warn)
			}
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create and list project snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create ID",
	Short: "Snapshot the working directory of the project's sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		s, err := c.CreateSnapshot(ctx, args[0])
		if err != nil {
			return describeError(err)
		}
		return render(cmd.OutOrStdout(), s, func(w io.Writer) {
			fmt.Fprintf(w, "Created snapshot %s (%s, sha256 %s)\n", s.SnapshotID, humanize.Bytes(uint64(s.SizeBytes)), s.SHA256)
		})
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list ID",
	Short: "List the project's snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		page, err := c.ListSnapshots(ctx, args[0], snapshot.ListOptions{
			Page:  snapshotPage,
			Limit: snapshotLimit,
			Order: snapshotOrder,
		})
		if err != nil {
			return describeError(err)
		}
		return render(cmd.OutOrStdout(), page, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSIZE\tCREATED\tSHA256")
			for _, s := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, humanize.Bytes(uint64(s.SizeBytes)), humanize.Time(s.CreatedAt), s.SHA256)
			}
			tw.Flush()
			fmt.Fprintf(w, "\npage %d, %d of %d snapshots\n", page.Page, len(page.Items), page.Total)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Probe the project's sandbox",
	Long: `Report whether the bound sandbox is running, stopped, expired or unknown.

--action cleanup clears an expired binding; --action force_cleanup terminates
the sandbox and clears the binding unconditionally.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var st *orchestrator.Status
		if statusAction == "" {
			st, err = c.GetStatus(ctx, args[0])
		} else {
			st, err = c.StatusAction(ctx, args[0], statusAction)
		}
		if err != nil {
			return describeError(err)
		}
		return render(cmd.OutOrStdout(), st, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Status\t%s\n", st.SandboxStatus)
			if st.SandboxID != "" {
				fmt.Fprintf(tw, "Sandbox\t%s\n", st.SandboxID)
				fmt.Fprintf(tw, "Endpoint\t%s\n", st.EndpointURL)
				fmt.Fprintf(tw, "Expires\t%s\n", formatTime(st.ExpiresAt))
			}
			if st.Details.DevServerListening != nil {
				fmt.Fprintf(tw, "Dev server\t%t\n", *st.Details.DevServerListening)
			}
			fmt.Fprintf(tw, "Snapshots\t%d\n", st.SnapshotsCount)
			if st.Message != "" {
				fmt.Fprintf(tw, "Message\t%s\n", st.Message)
			}
			tw.Flush()
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate ID",
	Short: "Move the project to a fresh sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		res, err := c.Migrate(ctx, args[0])
		if res != nil {
			if rerr := render(cmd.OutOrStdout(), res, func(w io.Writer) { printMigration(w, res) }); rerr != nil {
				return rerr
			}
		}
		if err != nil {
			return describeError(err)
		}
		return nil
	},
}

func printMigration(w io.Writer, res *migrate.Result) {
	fmt.Fprintf(w, "%s (%s): %s\n", res.Status, res.State, res.Message)
	fmt.Fprintf(w, "migration %s\n", res.MigrationID)
	if res.NewSandboxID != "" {
		fmt.Fprintf(w, "%s -> %s\n", res.OldSandboxID, res.NewSandboxID)
		fmt.Fprintf(w, "endpoint %s\n", res.NewEndpointURL)
	}
	fmt.Fprintf(w, "took %dms\n", res.DurationMs)
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

var eventsCmd = &cobra.Command{
	Use:   "events ID",
	Short: "Follow a project's lifecycle events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		err = c.Events(ctx, args[0], func(e events.Event) error {
			return render(out, e, func(w io.Writer) {
				line := []string{e.Time.Format("15:04:05"), e.Type, e.State}
				if e.SandboxID != "" {
					line = append(line, e.SandboxID)
				}
				if e.Message != "" {
					line = append(line, e.Message)
				}
				fmt.Fprintln(w, strings.Join(line, "  "))
			})
		})
		if err != nil {
			return describeError(err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(openCmd, snapshotCmd, statusCmd, migrateCmd, eventsCmd)
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd)

	statusCmd.Flags().StringVar(&statusAction, "action", "", "refresh, cleanup or force_cleanup")

	snapshotListCmd.Flags().IntVar(&snapshotPage, "page", 1, "Page number")
	snapshotListCmd.Flags().IntVar(&snapshotLimit, "limit", snapshot.DefaultListLimit, "Snapshots per page")
	snapshotListCmd.Flags().StringVar(&snapshotOrder, "order", "desc", "asc or desc")
}
