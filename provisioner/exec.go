package provisioner

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	evaluation "github.com/taloric/df-evaluation"
	"golang.org/x/crypto/ssh"
)

// Executor runs one tooling command and returns its combined output.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// LocalExecutor runs commands on this host.
type LocalExecutor struct {
	Env []string
}

func (e LocalExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w: %s", commandLine(name, args), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// SSHConfig locates the host where helm and kubectl are installed.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyFile string
	Timeout        time.Duration
	// KnownHostsKey pins the host key; empty accepts any key.
	KnownHostsKey string
}

// SSHExecutor runs each command in a fresh session on a remote host.
type SSHExecutor struct {
	addr   string
	config *ssh.ClientConfig
	logger evaluation.Logger
}

// NewSSHExecutor prepares the client config; the connection is opened per command.
func NewSSHExecutor(cfg SSHConfig, logger evaluation.Logger) (*SSHExecutor, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKeyFile != "" {
		key, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh needs a password or a private key")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.KnownHostsKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		hostKey = ssh.FixedHostKey(pub)
	}

	return &SSHExecutor{
		addr: net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         cfg.Timeout,
		},
		logger: evaluation.WithLoggerFields(logger, map[string]any{"component": "ssh", "addr": cfg.Host}),
	}, nil
}

func (e *SSHExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	line := commandLine(name, args)

	dialer := net.Dialer{Timeout: e.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return "", fmt.Errorf("ssh dial %s: %w", e.addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, e.addr, e.config)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake %s: %w", e.addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			e.logger.Debug("remote command failed", "cmd", line, "error", err)
			return out.String(), fmt.Errorf("%s: %w: %s", line, err, strings.TrimSpace(out.String()))
		}
		return out.String(), nil
	}
}

func commandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
