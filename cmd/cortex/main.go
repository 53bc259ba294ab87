package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aschepis/backscratcher/cortex/client"
	"github.com/aschepis/backscratcher/cortex/config"
	cortexlogger "github.com/aschepis/backscratcher/cortex/logger"
	"github.com/rs/zerolog"
)

const usage = `Usage: cortex [flags] <command> [command flags]

Commands:
  status                       Show daemon status and graph outbox depth
  space                        Ensure the user's memory space exists
  recall -q QUERY [-limit N]   Recall memories, facts and preferences
  remember -q TEXT [-a TEXT]   Commit a conversation turn
  prefer -category C -value V  Store an explicit preference
  history FACT_ID              Show a fact's supersession chain and ledger

Flags:
`

var errUsage = errors.New("usage")

func main() {
	var (
		socketPath = flag.String("socket", client.DefaultSocketPath, "Unix socket path for daemon connection")
		tcpAddress = flag.String("tcp", "", "TCP address to connect to (e.g., localhost:50051). If set, disables Unix socket")
		userID     = flag.String("user", "", "User the command acts for (default: user_id from the client config)")
		spaceID    = flag.String("space", "", "Memory space to address instead of the user's personal space")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *logFile != "" && *pretty {
		fmt.Fprintf(os.Stderr, "Error: --logfile and --pretty are mutually exclusive\n")
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := cortexlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	clientConfig, err := config.LoadClientConfig(config.GetClientConfigPath())
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load client configuration, using defaults")
		clientConfig = &config.ClientConfig{Timeout: 30}
	}

	// Command line flags override config
	switch {
	case *tcpAddress != "":
		clientConfig.Daemon.TCP = *tcpAddress
	case *socketPath != client.DefaultSocketPath:
		clientConfig.Daemon.Socket = *socketPath
		clientConfig.Daemon.TCP = ""
	}
	if *userID != "" {
		clientConfig.UserID = *userID
	}

	c, err := client.ConnectWithConfig(clientConfig)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to daemon")
		fmt.Fprintf(os.Stderr, "Cannot connect to cortexd. Make sure the daemon is running: cortexd\n")
		os.Exit(1)
	}
	defer c.Close() //nolint:errcheck // No remedy for client close errors

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := command{client: c, userID: clientConfig.UserID, spaceID: *spaceID, logger: logger}
	if err := cmd.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2) //nolint:gocritic // deferred close is not needed on exit
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	client  *client.Client
	userID  string
	spaceID string
	logger  zerolog.Logger
}

func (c command) run(ctx context.Context, name string, args []string) error {
	switch name {
	case "status":
		return c.status(ctx)
	case "space":
		return c.space(ctx)
	case "recall":
		return c.recall(ctx, args)
	case "remember":
		return c.remember(ctx, args)
	case "prefer":
		return c.prefer(ctx, args)
	case "history":
		return c.history(ctx, args)
	}
	return fmt.Errorf("unknown command %q: %w", name, errUsage)
}

func (c command) session() (*client.Session, error) {
	if c.userID == "" {
		return nil, errors.New("no user: pass --user or set user_id in the client config")
	}
	return c.client.InSpace(c.userID, c.spaceID), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
