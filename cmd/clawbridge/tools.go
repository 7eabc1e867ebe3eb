package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"clawbridge/internal/adapter/catalog"
	"clawbridge/internal/domain"
	"clawbridge/internal/infra/config"
	"clawbridge/internal/infra/logger"
)

// runTools prints the tool table.
func runTools(w io.Writer, cat *catalog.Catalog) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tMETHOD\tDESCRIPTION")
	for _, e := range cat.Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Tool.Name, e.Method, e.Tool.Description)
	}
	return tw.Flush()
}

// runCall sends a single request to the gateway and prints the payload.
func runCall(w io.Writer, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: clawbridge call <method> [json-params]")
	}
	method := args[0]
	var params json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params are not valid JSON: %s", args[1])
		}
		if !domain.IsJSONObject([]byte(args[1])) {
			return fmt.Errorf("params must be a JSON object: %s", args[1])
		}
		params = json.RawMessage(args[1])
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(logger.StdioSafe(cfg.Logger))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return callOnce(ctx, w, cfg.Gateway, method, params, log)
}

func callOnce(ctx context.Context, w io.Writer, g config.GatewayConfig, method string, params json.RawMessage, log *slog.Logger) error {
	client := newGatewayClient(g, log)
	defer client.Close()

	var p any
	if params != nil {
		p = params
	}
	payload, err := client.Request(ctx, method, p)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return fmt.Errorf("render payload: %w", err)
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(w)
	return err
}
