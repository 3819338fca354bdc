package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"logarchive/pkg/telemetry"
)

type hostView struct {
	UUID          string    `json:"uuid"`
	Hostname      string    `json:"hostname"`
	Datacenter    string    `json:"datacenter"`
	LastSeen      time.Time `json:"last_seen"`
	Connected     bool      `json:"connected"`
	Configured    bool      `json:"configured"`
	Bootstrapping bool      `json:"bootstrapping"`
}

type hostListView struct {
	Generation uint64     `json:"generation"`
	Version    string     `json:"version"`
	Hosts      []hostView `json:"hosts"`
}

func newHostsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Inspect hosts tracked by a coordinator",
		RunE:  helpOnly,
	}
	cmd.AddCommand(newHostsListCommand())
	return cmd
}

func newHostsListCommand() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked hosts and their session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Transport: telemetry.HTTPTransport(nil), Timeout: 10 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimRight(baseURL, "/")+"/debug/hosts", nil)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("fetch hosts: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				data, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("fetch hosts: %s: %s", resp.Status, strings.TrimSpace(string(data)))
			}

			var list hostListView
			if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
				return fmt.Errorf("decode hosts: %w", err)
			}
			return printHosts(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "Coordinator base URL")
	return cmd
}

func printHosts(w io.Writer, list hostListView) error {
	fmt.Fprintf(w, "generation %d, agent version %s\n", list.Generation, list.Version)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tHOSTNAME\tDATACENTER\tSTATE\tLAST SEEN")
	for _, h := range list.Hosts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.UUID, h.Hostname, h.Datacenter, hostState(h), h.LastSeen.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func hostState(h hostView) string {
	switch {
	case h.Configured:
		return "configured"
	case h.Connected:
		return "connected"
	case h.Bootstrapping:
		return "bootstrapping"
	default:
		return "disconnected"
	}
}
