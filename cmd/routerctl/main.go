// Package main implements routerctl, a command-line client for the router run API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the router HTTP server
	serverURL string
	timeout   time.Duration
	version   = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "routerctl",
	Short: "CLI for the router run API",
	Long: `routerctl starts, resumes and inspects router runs over HTTP.

A run that needs input comes back with status "suspended" and a suspend_payload
describing the question; answer it with "routerctl resume".`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8081", "router server URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "request timeout")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(healthCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/v1/runs/"+args[0], nil)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check router health",
	Long: `Check the router health endpoint. The reply lists the enabled workers and
the number of cached tool connections.

Examples:
  routerctl health
  routerctl health --server http://router:8081`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/health", nil)
	},
}

// call sends body as JSON and prints the indented reply. Non-2xx replies are
// printed too and reported as an error.
func call(cmd *cobra.Command, method, path string, body interface{}) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		out.Reset()
		out.Write(raw)
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(out.String(), "\n"))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
