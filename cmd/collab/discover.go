package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"promptstudio/collab/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List collaboration servers advertised on the local network",
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

func init() {
	discoverCmd.Flags().Duration("timeout", 3*time.Second, "how long to listen for advertisements")
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	peers, err := discovery.Browse(ctx)
	if err != nil {
		return fmt.Errorf("browse %s: %w", discovery.Service, err)
	}

	out := cmd.OutOrStdout()
	if len(peers) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no servers found"))
		return nil
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d server(s)", len(peers))))
	for _, p := range peers {
		fmt.Fprintf(out, "%s  %s\n", paint(p.Instance, ""), p.URL)
	}
	return nil
}
