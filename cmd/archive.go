package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentserver/projectbox/internal/archive"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Work with snapshot archives locally",
}

var archiveCreateCmd = &cobra.Command{
	Use:   "create DIR OUT.zip",
	Short: "Pack a directory the way snapshots are packed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := archive.EncodeDir(args[0], archive.DefaultOptions())
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], a.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", args[1], err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Wrote %s: %d files, %s, sha256 %s\n", args[1], a.Files, humanize.Bytes(uint64(a.Size())), a.SHA256)
		for _, s := range a.Skipped {
			fmt.Fprintf(out, "skipped %s (%s)\n", s.Path, humanize.Bytes(uint64(s.Size)))
		}
		return nil
	},
}

var archiveExtractCmd = &cobra.Command{
	Use:   "extract FILE.zip DIR",
	Short: "Unpack a downloaded snapshot archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		n, err := archive.ExtractDir(data, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d files (sha256 %s) into %s\n", n, archive.Sum(data), args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveCreateCmd, archiveExtractCmd)
}
