package remote

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthPassword uses password and keyboard-interactive authentication.
	AuthPassword AuthMethod = "password"

	// AuthKey uses a private key file.
	AuthKey AuthMethod = "key"

	// AuthAgent uses the agent listening on SSH_AUTH_SOCK.
	AuthAgent AuthMethod = "agent"
)

// DefaultConnectTimeout bounds the TCP dial and SSH handshake.
const DefaultConnectTimeout = 15 * time.Second

// Config names the hosts steps may target. Steps refer to a host by its key.
type Config struct {
	Hosts map[string]HostConfig `yaml:"hosts,omitempty" validate:"dive"`
}

// HostConfig holds SSH connection settings for one host.
type HostConfig struct {
	// Address is host or host:port. The port defaults to 22.
	Address string `yaml:"address" validate:"required"`

	User string `yaml:"user" validate:"required"`

	// Auth selects the method. Empty picks key when PrivateKeyPath is set,
	// password when Password is set, and the agent otherwise.
	Auth AuthMethod `yaml:"auth" validate:"omitempty,oneof=password key agent"`

	Password       string `yaml:"password,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
	Passphrase     string `yaml:"passphrase,omitempty"`

	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string `yaml:"known_hosts_path,omitempty"`

	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key,omitempty"`

	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" validate:"gte=0"`
}

func (c HostConfig) address() string {
	if _, _, err := net.SplitHostPort(c.Address); err == nil {
		return c.Address
	}
	return net.JoinHostPort(c.Address, "22")
}

func (c HostConfig) authMethod() AuthMethod {
	switch {
	case c.Auth != "":
		return c.Auth
	case c.PrivateKeyPath != "":
		return AuthKey
	case c.Password != "":
		return AuthPassword
	default:
		return AuthAgent
	}
}

func (c HostConfig) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// clientConfig builds the ssh.ClientConfig. The returned closer releases the
// agent connection, if one was opened.
func (c HostConfig) clientConfig() (*ssh.ClientConfig, func(), error) {
	closer := func() {}
	var auth []ssh.AuthMethod

	switch c.authMethod() {
	case AuthPassword:
		if c.Password == "" {
			return nil, closer, fmt.Errorf("password is required for password authentication")
		}
		auth = append(auth,
			ssh.Password(c.Password),
			// Many servers only offer keyboard-interactive for password prompts.
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		)

	case AuthKey:
		keyBytes, err := os.ReadFile(expandHome(c.PrivateKeyPath))
		if err != nil {
			return nil, closer, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, closer, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))

	case AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, closer, fmt.Errorf("SSH_AUTH_SOCK is not set for agent authentication")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, closer, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		closer = func() { _ = conn.Close() }
		auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))

	default:
		return nil, closer, fmt.Errorf("unsupported auth method: %s", c.Auth)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !c.InsecureIgnoreHostKey {
		path := c.KnownHostsPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				closer()
				return nil, func() {}, fmt.Errorf("failed to locate known_hosts: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(expandHome(path))
		if err != nil {
			closer()
			return nil, func() {}, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.connectTimeout(),
	}, closer, nil
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
