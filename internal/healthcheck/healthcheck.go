// Package healthcheck verifies that the scheduler's container is up on the
// host that runs it.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/config"
	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrContainerDown is returned when the container is not running
var ErrContainerDown = errors.New("container is not running")

var containerName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// CommandRunner runs a shell command on a remote host and returns its stdout
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// SSHRunner runs commands over SSH with public key authentication
type SSHRunner struct {
	addr   string
	config *ssh.ClientConfig
}

// NewSSHRunner builds a runner from cfg. Without a known_hosts file the host
// key is not verified.
func NewSSHRunner(cfg config.HealthCheckConfig, log *slog.Logger) (*SSHRunner, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Host == "" || cfg.User == "" || cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("%w: ssh host, user and private key are required", apperrors.ErrConfiguration)
	}

	key, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", cfg.PrivateKeyPath, err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKey, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	} else {
		log.Warn("ssh host key verification disabled", "host", cfg.Host)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	return &SSHRunner{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKey,
			Timeout:         15 * time.Second,
		},
	}, nil
}

// Run opens a connection, runs command in a new session and returns stdout.
// Cancelling ctx closes the connection.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	dialer := net.Dialer{Timeout: r.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", r.addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.config)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake with %s failed: %w", r.addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(command)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return string(out), fmt.Errorf("remote command failed: %w", err)
	}
	return string(out), nil
}

// ContainerChecker asks docker on the remote host for a container's state
type ContainerChecker struct {
	runner    CommandRunner
	container string
	logger    *slog.Logger
}

// NewContainerChecker creates a checker for container
func NewContainerChecker(runner CommandRunner, container string, log *slog.Logger) (*ContainerChecker, error) {
	if !containerName.MatchString(container) {
		return nil, fmt.Errorf("%w: invalid container name %q", apperrors.ErrConfiguration, container)
	}
	if log == nil {
		log = slog.Default()
	}
	return &ContainerChecker{runner: runner, container: container, logger: log.With("component", "healthcheck")}, nil
}

// Command returns the shell command the checker runs
func (c *ContainerChecker) Command() string {
	return fmt.Sprintf("docker inspect -f '{{.State.Status}}' %s", c.container)
}

// Check returns the container status. Anything other than "running",
// including a failed inspect, is reported as ErrContainerDown.
func (c *ContainerChecker) Check(ctx context.Context) (string, error) {
	log := logger.FromContext(ctx, c.logger)

	out, err := c.runner.Run(ctx, c.Command())
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	status := strings.TrimSpace(out)
	if err != nil {
		log.Error("container inspect failed", "container", c.container, "error", err)
		return status, fmt.Errorf("%w: %s: %v", ErrContainerDown, c.container, err)
	}
	if status != "running" {
		log.Error("container not running", "container", c.container, "status", status)
		return status, fmt.Errorf("%w: %s is %q", ErrContainerDown, c.container, status)
	}

	log.Info("container running", "container", c.container)
	return status, nil
}
