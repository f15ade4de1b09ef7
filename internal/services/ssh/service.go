// Package ssh opens SSH tunnels to reach a database behind a jump host.
package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fgeck/sqldump-homelab/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Service defines the interface for SSH operations.
type Service interface {
	Open(ctx context.Context, cfg models.SSHTunnelConfig) (*Tunnel, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Tunnel forwards TCP connections through an established SSH client.
type Tunnel struct {
	client SSHClient
	host   string
	logger zerolog.Logger
}

// DialContext opens a connection to addr as seen from the jump host.
func (t *Tunnel) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	t.logger.Debug().Str("jump_host", t.host).Str("addr", addr).Msg("dialing through ssh tunnel")

	conn, err := t.client.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s through %s: %w", addr, t.host, err)
	}
	return conn, nil
}

// Close closes the SSH client and every connection forwarded through it.
func (t *Tunnel) Close() error {
	return t.client.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(cfg models.SSHTunnelConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	key := cfg.PrivateKey
	if len(key) == 0 && cfg.KeyPath != "" {
		var err error
		key, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	}
	if len(key) > 0 {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no private key or password provided")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // homelab environment
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts from %s: %w", cfg.KnownHostsFile, err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}, nil
}

// Open connects to the jump host and returns a tunnel through it.
func (s *Impl) Open(ctx context.Context, cfg models.SSHTunnelConfig) (*Tunnel, error) {
	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.Username).
		Msg("opening ssh tunnel")

	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrConfiguration, err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	clientChan := make(chan struct {
		client SSHClient
		err    error
	}, 1)

	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		clientChan <- struct {
			client SSHClient
			err    error
		}{client, err}
	}()

	select {
	case <-ctx.Done():
		// the dial goroutine may still succeed, close what it returns
		go func() {
			if res := <-clientChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %w", models.ErrConnection, ctx.Err())
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("%w: failed to connect to %s: %w", models.ErrConnection, addr, res.err)
		}

		s.logger.Debug().Str("addr", addr).Msg("ssh tunnel established")
		return &Tunnel{client: res.client, host: addr, logger: s.logger}, nil
	}
}
