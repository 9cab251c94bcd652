package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Target identifies one remote machine and how to authenticate against it.
type Target struct {
	Host     string
	Port     int
	Username string
	KeyPath  string // empty means the default key paths are tried
}

// Result is the outcome of one remote command.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Config tunes the executor.
type Config struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	KnownHostsPath string // empty means ~/.ssh/known_hosts
	InsecureHosts  bool   // skip host key verification (lab setups only)
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:    10 * time.Second,
		CommandTimeout: 2 * time.Minute,
	}
}

// Executor runs shell commands on remote machines over SSH. Connections are
// opened per command; the servers managed here are few and the commands rare
// enough that pooling would buy nothing.
type Executor struct {
	cfg Config
}

func New(cfg Config) *Executor {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	return &Executor{cfg: cfg}
}

// Run executes command on the target and captures its output. A non-zero exit
// status is reported in Result.ExitCode, not as an error; errors mean the
// command could not be run at all.
func (e *Executor) Run(ctx context.Context, target Target, command string) (*Result, error) {
	client, err := e.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-cmdCtx.Done():
		// Best effort: tear down the session so the remote command is not
		// left running unattended.
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, fmt.Errorf("command timed out on %s: %w", target.Host, cmdCtx.Err())
	}

	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("run command on %s: %w", target.Host, err)
	}
	return res, nil
}

func (e *Executor) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	signers, err := loadSigners(target.KeyPath)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := e.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", port))

	conf := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (e *Executor) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if e.cfg.InsecureHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := e.cfg.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

func loadSigners(keyPath string) ([]ssh.Signer, error) {
	paths := []string{keyPath}
	if keyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		paths = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}

	var signers []ssh.Signer
	var lastErr error
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			lastErr = fmt.Errorf("parse private key %s: %w", p, err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("no usable ssh keys: %w", lastErr)
		}
		return nil, errors.New("no usable ssh keys found")
	}
	return signers, nil
}

// Quote wraps s in single quotes for safe interpolation into a remote shell
// command line.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
