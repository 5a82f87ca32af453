package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentserver/projectbox/internal/orchestrator"
	"github.com/agentserver/projectbox/internal/sbxstore"
)

var (
	projectModel      string
	projectVisibility string
	projectName       string

	listPage       int
	listLimit      int
	listVisibility string
	listSortBy     string
	listSortOrder  string
	listSearch     string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects on a projectbox server",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		p, err := c.CreateProject(ctx, orchestrator.CreateProjectInput{
			Name:       args[0],
			Model:      projectModel,
			Visibility: projectVisibility,
		})
		if err != nil {
			return describeError(err)
		}
		return render(cmd.OutOrStdout(), p, func(w io.Writer) {
			fmt.Fprintf(w, "Created project %s (%s)\n", p.Name, p.ID)
		})
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		page, err := c.ListProjects(ctx, orchestrator.ListProjectsInput{
			Page:       listPage,
			Limit:      listLimit,
			Visibility: listVisibility,
			SortBy:     listSortBy,
			SortOrder:  listSortOrder,
			Search:     listSearch,
		})
		if err != nil {
			return describeError(err)
		}
		return render(cmd.OutOrStdout(), page, func(w io.Writer) {
			printProjects(w, page.Items)
			fmt.Fprintf(w, "\npage %d, %d of %d projects\n", page.Page, len(page.Items), page.Total)
		})
	},
}

var projectGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a project with its sandbox state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		d, err := c.GetProject(ctx, args[0])
		if err != nil {
			return describeError(err)
		}
		return render(cmd.OutOrStdout(), d, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\t%s\n", d.ID)
			fmt.Fprintf(tw, "Name\t%s\n", d.Name)
			fmt.Fprintf(tw, "Model\t%s\n", d.Model)
			fmt.Fprintf(tw, "Visibility\t%s\n", d.Visibility)
			fmt.Fprintf(tw, "Created\t%s\n", formatTime(&d.CreatedAt))
			fmt.Fprintf(tw, "Last opened\t%s\n", formatTime(d.LastOpenedAt))
			if d.State.Bound() {
				fmt.Fprintf(tw, "Sandbox\t%s\n", d.State.SandboxID)
				fmt.Fprintf(tw, "Endpoint\t%s\n", d.State.EndpointURL)
				fmt.Fprintf(tw, "Expires\t%s\n", formatTime(d.State.ExpiresAt))
			} else {
				fmt.Fprintf(tw, "Sandbox\t-\n")
			}
			if d.LatestSnapshot != nil {
				fmt.Fprintf(tw, "Latest snapshot\t%s (%s)\n", d.LatestSnapshot.ID, formatTime(&d.LatestSnapshot.CreatedAt))
			}
			tw.Flush()
		})
	},
}

var projectUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Rename a project or change its model or visibility",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in orchestrator.UpdateProjectInput
		if cmd.Flags().Changed("name") {
			in.Name = &projectName
		}
		if cmd.Flags().Changed("model") {
			in.Model = &projectModel
		}
		if cmd.Flags().Changed("visibility") {
			in.Visibility = &projectVisibility
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		p, err := c.UpdateProject(ctx, args[0], in)
		if err != nil {
			return describeError(err)
		}
		return render(cmd.OutOrStdout(), p, func(w io.Writer) {
			fmt.Fprintf(w, "Updated project %s (%s)\n", p.Name, p.ID)
		})
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a project, its sandbox and its snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := c.DeleteProject(ctx, args[0]); err != nil {
			return describeError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted project %s\n", args[0])
		return nil
	},
}

func printProjects(w io.Writer, items []*sbxstore.Project) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMODEL\tVISIBILITY\tLAST OPENED")
	for _, p := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Model, p.Visibility, formatTime(p.LastOpenedAt))
	}
	tw.Flush()
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectGetCmd, projectUpdateCmd, projectDeleteCmd)

	projectCreateCmd.Flags().StringVar(&projectModel, "model", "", "Model id (default "+orchestrator.DefaultModel+")")
	projectCreateCmd.Flags().StringVar(&projectVisibility, "visibility", "", "private or public (default private)")

	projectUpdateCmd.Flags().StringVar(&projectName, "name", "", "New project name")
	projectUpdateCmd.Flags().StringVar(&projectModel, "model", "", "New model id")
	projectUpdateCmd.Flags().StringVar(&projectVisibility, "visibility", "", "private or public")

	projectListCmd.Flags().IntVar(&listPage, "page", 1, "Page number")
	projectListCmd.Flags().IntVar(&listLimit, "limit", orchestrator.DefaultProjectLimit, "Projects per page")
	projectListCmd.Flags().StringVar(&listVisibility, "visibility", "", "all, private or public")
	projectListCmd.Flags().StringVar(&listSortBy, "sort-by", "", "created_at, updated_at, last_opened_at or name")
	projectListCmd.Flags().StringVar(&listSortOrder, "sort-order", "", "asc or desc")
	projectListCmd.Flags().StringVar(&listSearch, "search", "", "Case-insensitive name filter")
}
