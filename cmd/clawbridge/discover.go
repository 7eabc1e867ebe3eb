package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"clawbridge/internal/adapter/discovery"
)

// runDiscover browses the local network for gateways and prints them.
func runDiscover(w io.Writer, args []string) error {
	timeout := discovery.DefaultScanTimeout
	if len(args) > 1 {
		return fmt.Errorf("usage: clawbridge discover [timeout]")
	}
	if len(args) == 1 {
		d, err := time.ParseDuration(args[0])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid timeout %q", args[0])
		}
		timeout = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	found, err := discovery.NewBrowser(timeout, quietLogger()).Scan(ctx)
	if err != nil {
		return err
	}
	return printGateways(w, found)
}

func printGateways(w io.Writer, found []discovery.Gateway) error {
	if len(found) == 0 {
		fmt.Fprintln(w, "No gateways found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tURL\tPROTOCOL")
	for _, gw := range found {
		version := gw.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", gw.Instance, gw.URL, version)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w, "\nSet CLAWDBOT_GATEWAY_URL to one of the URLs above.")
	return nil
}
