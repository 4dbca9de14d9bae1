// Package ssh runs shell commands on a remote host holding the game
// server files. Instances without an SSH block in their configuration
// never touch this package; their commands run locally.
package ssh

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Client wraps one SSH connection.
type Client struct {
	config *ClientConfig
	client *ssh.Client
}

// ClientConfig holds SSH connection configuration.
type ClientConfig struct {
	Host            string
	Port            int
	Username        string
	KeyPath         string
	Password        string
	Timeout         time.Duration
	KnownHostsPath  string
	TrustOnFirstUse bool
}

// NewClient dials the configured host and returns a connected client.
func NewClient(config *ClientConfig) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Port == 0 {
		config.Port = 22
	}

	var auth []ssh.AuthMethod
	if config.KeyPath != "" {
		signer, err := loadPrivateKey(config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if config.Password != "" {
		auth = append(auth, ssh.Password(config.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no SSH auth method configured for %s", config.Host)
	}

	hostKeyCallback, err := NewHostKeyCallback(config.KnownHostsPath, config.TrustOnFirstUse)
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	client, err := ssh.Dial("tcp", address, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	return &Client{config: config, client: client}, nil
}

// Run executes a command on the remote host and returns the combined
// output with surrounding whitespace trimmed.
func (c *Client) Run(command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	if err := session.Run(command); err != nil {
		return strings.TrimSpace(output.String()), fmt.Errorf("remote command failed: %w", err)
	}

	return strings.TrimSpace(output.String()), nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
