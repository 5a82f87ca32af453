package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/client"
	"github.com/agentserver/projectbox/internal/config"
)

const defaultServerURL = "http://localhost:8080"

var (
	serverURL  string
	jsonOutput bool
	cmdTimeout time.Duration
)

// apiClient resolves the server URL from --server, then PROJECTBOX_SERVER
// (including .env), then the local default.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	url := serverURL
	if !cmd.Flags().Changed("server") {
		if err := config.LoadDotenv(); err != nil {
			return nil, err
		}
		if v := os.Getenv("PROJECTBOX_SERVER"); v != "" {
			url = v
		}
	}
	return client.New(url), nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if cmdTimeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), cmdTimeout)
}

// render prints v as indented JSON when --json is set, otherwise calls human.
func render(w io.Writer, v any, human func(io.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}

// describeError adds the server's error kind and details to err.
func describeError(err error) error {
	var e *apperr.Error
	if !errors.As(err, &e) {
		return err
	}
	if e.Details != "" {
		return fmt.Errorf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Errorf("%s: %s", e.Kind, e.Message)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, "projectbox server URL (or use PROJECTBOX_SERVER env)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 10*time.Minute, "Request timeout (0 for none)")
}
