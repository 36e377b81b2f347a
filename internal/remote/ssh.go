package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kuuji/regiongate/internal/hostcmd"
)

// Defaults for SSHConfig.
const (
	DefaultSSHUser        = "root"
	DefaultSSHPort        = 22
	DefaultConnectTimeout = 10 * time.Second
)

// SSHConfig controls how SSH connects to devices.
type SSHConfig struct {
	User string
	Port int

	// KeyFile is an optional private key used in addition to any keys held
	// by the agent at SSH_AUTH_SOCK.
	KeyFile string

	// KnownHostsFile verifies host keys. Defaults to ~/.ssh/known_hosts.
	KnownHostsFile string

	// TrustOnFirstUse appends the key of a host missing from
	// KnownHostsFile and accepts the connection. A host whose recorded key
	// differs is still rejected.
	TrustOnFirstUse bool

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool

	ConnectTimeout time.Duration
}

// SSH is a Shell that runs commands over a fresh SSH connection per call.
type SSH struct {
	cfg SSHConfig
	log *slog.Logger

	// knownMu serializes appends to the known hosts file.
	knownMu sync.Mutex
}

// NewSSH creates an SSH shell.
func NewSSH(cfg SSHConfig, logger *slog.Logger) *SSH {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.User == "" {
		cfg.User = DefaultSSHUser
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultSSHPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &SSH{cfg: cfg, log: logger.With("component", "ssh")}
}

// Run executes command on target, given as host, user@host, or
// user@host:port. Cancelling ctx closes the connection.
func (s *SSH) Run(ctx context.Context, target, command string) (hostcmd.Result, error) {
	user, addr := s.parseTarget(target)

	clientCfg, closeAgent, err := s.clientConfig(user)
	if err != nil {
		return hostcmd.Result{}, err
	}
	defer closeAgent()

	client, err := s.dial(ctx, addr, clientCfg)
	if err != nil {
		return hostcmd.Result{}, err
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	sess, err := client.NewSession()
	if err != nil {
		return hostcmd.Result{}, fmt.Errorf("opening session on %s: %w", addr, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	err = sess.Run(command)
	res := hostcmd.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("running %q on %s: %w", command, addr, ctx.Err())
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &hostcmd.ExitError{Cmd: command, Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("running %q on %s: %w", command, addr, err)
}

func (s *SSH) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	// Bound the handshake as well as the TCP connect.
	_ = conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SSH) parseTarget(target string) (user, addr string) {
	user = s.cfg.User
	host := target
	if u, h, ok := strings.Cut(target, "@"); ok {
		user, host = u, h
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return user, host
	}
	return user, net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(s.cfg.Port))
}

// clientConfig builds the client configuration. The returned func releases
// the agent connection, if one was opened.
func (s *SSH) clientConfig(user string) (*ssh.ClientConfig, func(), error) {
	hostKey, err := s.hostKeyCallback()
	if err != nil {
		return nil, nil, err
	}

	closeAgent := func() {}
	var auths []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			s.log.Debug("ssh agent unavailable", "socket", sock, "error", err)
		} else {
			closeAgent = func() { conn.Close() }
			auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if s.cfg.KeyFile != "" {
		signer, err := loadKey(s.cfg.KeyFile)
		if err != nil {
			closeAgent()
			return nil, nil, err
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}

	// With no methods the client still attempts "none" auth, which
	// tailscale SSH accepts.
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auths,
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.ConnectTimeout,
	}, closeAgent, nil
}

func (s *SSH) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := s.cfg.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	if s.cfg.TrustOnFirstUse {
		if err := touch(path); err != nil {
			return nil, fmt.Errorf("creating known hosts %s: %w", path, err)
		}
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", path, err)
	}
	if !s.cfg.TrustOnFirstUse {
		return cb, nil
	}
	return s.trustOnFirstUse(path, cb), nil
}

// trustOnFirstUse wraps a known hosts callback so that hosts with no
// recorded key are appended to path and accepted.
func (s *SSH) trustOnFirstUse(path string, known ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}

		s.knownMu.Lock()
		defer s.knownMu.Unlock()

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return fmt.Errorf("recording host key for %s: %w", hostname, err)
		}
		defer f.Close()

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("recording host key for %s: %w", hostname, err)
		}
		s.log.Info("trusting new host key", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
		return nil
	}
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func loadKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", path, err)
	}
	return signer, nil
}
