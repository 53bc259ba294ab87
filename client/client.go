package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/cortex/api"
	"github.com/aschepis/backscratcher/cortex/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// DefaultSocketPath is the default Unix socket path for the daemon.
	DefaultSocketPath = "/tmp/cortexd.sock"

	// DefaultTimeout bounds each call when the caller's context has no deadline.
	DefaultTimeout = 30 * time.Second
)

// Client is the client for the cortexd daemon.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration

	Cortex *api.CortexClient
}

// Connect connects to the cortexd daemon.
// The address can be:
//   - A Unix socket path (e.g., "/tmp/cortexd.sock")
//   - A TCP address (e.g., "localhost:50051")
//
// If the address starts with "unix://", it will be treated as a Unix socket.
// Otherwise, if it contains ":" it will be treated as TCP, else Unix socket.
func Connect(address string, opts ...grpc.DialOption) (*Client, error) {
	var target string
	switch {
	case strings.HasPrefix(address, "unix://"):
		target = address
	case strings.Contains(address, ":") && !strings.HasPrefix(address, "/"):
		target = address
	default:
		target = "unix://" + address
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s: %w", address, err)
	}
	return &Client{
		conn:    conn,
		timeout: DefaultTimeout,
		Cortex:  api.NewCortexClient(conn),
	}, nil
}

// ConnectWithConfig connects using the daemon address and timeout from cfg.
// A TCP address wins over the socket path.
func ConnectWithConfig(cfg *config.ClientConfig) (*Client, error) {
	address := cfg.Daemon.Socket
	if cfg.Daemon.TCP != "" {
		address = cfg.Daemon.TCP
	}
	if address == "" {
		address = DefaultSocketPath
	}
	c, err := Connect(address)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		c.timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return c, nil
}

// Context returns ctx bounded by the client's call timeout.
func (c *Client) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
