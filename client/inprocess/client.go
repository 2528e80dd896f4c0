package inprocess

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/consignd"
	"pkt.systems/consignd/api"
	consigndclient "pkt.systems/consignd/client"
)

// Client provides the consignd client API backed by an in-process server
// listening on a private unix socket.
type Client struct {
	inner     *consigndclient.Client
	stop      func(context.Context) error
	cleanup   func()
	closeOnce sync.Once
	closeErr  error
}

// New starts an in-process consignd server and returns a client connected to
// it. Close the client to stop the server and remove the socket.
// Example:
//
//	ctx := context.Background()
//	inproc, err := inprocess.New(ctx, consignd.Config{Store: "mem://"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
func New(ctx context.Context, cfg consignd.Config, opts ...consignd.Option) (*Client, error) {
	if cfg.ListenProto == "" {
		cfg.ListenProto = "unix"
	}
	if cfg.ListenProto != "unix" {
		return nil, fmt.Errorf("inprocess: only unix sockets are supported; set ListenProto to 'unix'")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	socketDir, err := os.MkdirTemp("", "consignd-inproc-")
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(socketDir) }

	if cfg.Listen == "" {
		cfg.Listen = filepath.Join(socketDir, "consignd.sock")
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(socketDir, "staging")
	}

	_, stop, err := consignd.StartServer(ctx, cfg, opts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	cli, err := consigndclient.New("unix://" + cfg.Listen)
	if err != nil {
		_ = stop(context.Background())
		cleanup()
		return nil, err
	}
	return &Client{
		inner:   cli,
		stop:    stop,
		cleanup: cleanup,
	}, nil
}

// Close shuts down the embedded server and releases resources.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if c.stop != nil {
			c.closeErr = c.stop(ctx)
		}
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return c.closeErr
}

// Client exposes the underlying SDK client.
func (c *Client) Client() *consigndclient.Client {
	return c.inner
}

// Upload stores a consignment for token.
func (c *Client) Upload(ctx context.Context, token string, r io.Reader, filename string) error {
	return c.inner.Upload(ctx, token, r, filename)
}

// Fetch returns the consignment stored for token.
func (c *Client) Fetch(ctx context.Context, token string) ([]byte, error) {
	return c.inner.Fetch(ctx, token)
}

// Ack records a positive response for token.
func (c *Client) Ack(ctx context.Context, token string) error {
	return c.inner.Ack(ctx, token)
}

// Nack records a negative response for token.
func (c *Client) Nack(ctx context.Context, token string) error {
	return c.inner.Nack(ctx, token)
}

// AckStatus reports the handshake state for token.
func (c *Client) AckStatus(ctx context.Context, token string) (*api.AckStatusResponse, error) {
	return c.inner.AckStatus(ctx, token)
}
