package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

var errNoClient = errors.New("docker client not initialized")

// Client runs workspace images and containers against one Docker daemon.
type Client struct {
	inner *client.Client
}

// DaemonInfo identifies the engine the builder talks to.
type DaemonInfo struct {
	Version    string
	APIVersion string
	OS         string
	Arch       string
}

// New connects using DOCKER_* environment defaults. A non-empty host
// overrides DOCKER_HOST.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping checks the daemon answers and has negotiated an API version.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errNoClient
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return errors.New("docker ping returned empty API version")
	}
	return nil
}

// Info reports the daemon version, logged once at startup.
func (c *Client) Info(ctx context.Context) (DaemonInfo, error) {
	if c == nil || c.inner == nil {
		return DaemonInfo{}, errNoClient
	}
	v, err := c.inner.ServerVersion(ctx)
	if err != nil {
		return DaemonInfo{}, fmt.Errorf("docker version: %w", err)
	}
	return DaemonInfo{Version: v.Version, APIVersion: v.APIVersion, OS: v.Os, Arch: v.Arch}, nil
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
