package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"clawbridge/internal/adapter/catalog"
	"clawbridge/internal/adapter/mcpserver"
	"clawbridge/internal/infra/config"
	"clawbridge/internal/infra/logger"
	"clawbridge/internal/infra/tracer"
)

func main() {
	args := commandArgs(os.Args[1:])

	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "--help", "-h", "help":
		showUsage(os.Stdout)
		return
	case "serve":
		err = run()
	case "tools":
		err = runTools(os.Stdout, catalog.Default())
	case "call":
		err = runCall(os.Stdout, args)
	case "doctor":
		err = runDoctor(os.Stdout, configPath())
	case "discover":
		err = runDiscover(os.Stdout, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'clawbridge --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		prefix := "fatal"
		if cmd != "serve" {
			prefix = cmd
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
		os.Exit(1)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, `clawbridge - MCP stdio bridge to a Clawdbot gateway

USAGE:
    clawbridge [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the MCP server on stdin/stdout (default)
    tools       List the exposed tools and their gateway methods
    call        Send one request: clawbridge call <method> [json-params]
    doctor      Check config and gateway connectivity
    discover    Find gateways on the local network over mDNS

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./clawbridge.yaml)

ENVIRONMENT:
    CLAWDBOT_GATEWAY_URL     Gateway WebSocket URL (default ws://127.0.0.1:18789)
    CLAWDBOT_AUTH_TOKEN      Gateway auth token
    CLAWBRIDGE_CONFIG        Config file path
    CLAWBRIDGE_CONFIG_KEY    Passphrase for enc: values in the config file
    CLAWBRIDGE_*             Other overrides, see clawbridge.example.yaml

EXAMPLES:
    clawbridge                                 # serve with ./clawbridge.yaml
    clawbridge tools
    clawbridge call health
    clawbridge call chat.history '{"channel":"telegram","chatId":"42"}'`)
}

// commandArgs strips --config flags so the remaining args are the command
// and its operands.
func commandArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			i++
		case strings.HasPrefix(args[i], "--config="):
		default:
			out = append(out, args[i])
		}
	}
	return out
}

// configPath returns the --config flag value, else CLAWBRIDGE_CONFIG, else
// the default path.
func configPath() string {
	flag := ""
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			flag = os.Args[i+1]
			break
		}
		if strings.HasPrefix(arg, "--config=") {
			flag = strings.TrimPrefix(arg, "--config=")
			break
		}
	}
	return config.ResolvePath(flag)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer. Stdout carries MCP, so neither may write there.
	log, logCloser, err := logger.New(logger.StdioSafe(cfg.Logger))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Audit
	audit, err := initAudit(cfg.Audit)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if audit != nil {
		defer audit.Close()
	}

	// 4. Gateway
	client := newGatewayClient(cfg.Gateway, log)
	defer client.Close()
	caller := wrapCaller(client, cfg.Resilience, log)

	// 5. MCP
	opts := mcpserver.Options{
		Name:         cfg.MCP.Name,
		Version:      cfg.MCP.Version,
		Instructions: cfg.MCP.Instructions,
	}
	if audit != nil {
		opts.Audit = audit
	}
	tools := catalog.Default()
	srv := mcpserver.New(tools, caller, opts, log)

	log.Info("Clawdbot MCP Bridge started")
	log.Info("Gateway: "+cfg.Gateway.URL, "tools", tools.Len())

	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("mcp: %w", err)
	}
	log.Info("shutting down", "pending", client.Pending())
	return nil
}
