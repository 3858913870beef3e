package cluster

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/time/rate"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/logger"
)

const dialTimeout = 30 * time.Second

// SSHDialer opens SSH sessions to the cluster login node,
// optionally through a jump host with a local port forward
type SSHDialer struct {
	cfg     am.ClusterConfig
	logger  *zap.SugaredLogger
	limiter *rate.Limiter

	mu       sync.Mutex
	basePort int
	nextPort int
}

// NewSSHDialer creates a dialer from the cluster section
func NewSSHDialer(cfg am.ClusterConfig, log *zap.SugaredLogger) *SSHDialer {
	perSec := cfg.Tunnel.AttemptsPerSec
	if perSec <= 0 {
		perSec = 2
	}
	base := cfg.Tunnel.BaseLocalPort
	if base <= 0 {
		base = am.DefaultTunnelBasePort
	}
	return &SSHDialer{
		cfg:      cfg,
		logger:   log,
		limiter:  rate.NewLimiter(rate.Limit(perSec), 1),
		basePort: base,
		nextPort: base,
	}
}

func (d *SSHDialer) clientConfig(user, password string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if d.cfg.KeyPath != "" {
		key, err := os.ReadFile(d.cfg.KeyPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read ssh key %s", d.cfg.KeyPath)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse ssh key %s", d.cfg.KeyPath)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: d.hostKeyCallback(),
		Timeout:         dialTimeout,
	}, nil
}

func (d *SSHDialer) hostKeyCallback() ssh.HostKeyCallback {
	if home, err := os.UserHomeDir(); err == nil {
		if cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts")); err == nil {
			return cb
		}
	}
	d.logger.Warnw("No known_hosts file, accepting any cluster host key")
	return ssh.InsecureIgnoreHostKey()
}

// Dial opens a session, through the jump host when the tunnel is enabled
func (d *SSHDialer) Dial(ctx context.Context) (Session, error) {
	target := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	cfg, err := d.clientConfig(d.cfg.Username, d.cfg.Password)
	if err != nil {
		return nil, err
	}

	if !d.cfg.Tunnel.Enabled {
		client, err := ssh.Dial("tcp", target, cfg)
		if err != nil {
			err = errors.Wrapf(err, "failed to connect to %s", target)
			return nil, errors.Mark(err, errors.ErrServiceUnavailable)
		}
		return &sshSession{client: client}, nil
	}
	return d.dialTunnel(ctx, target, cfg)
}

// dialTunnel forwards a local port through the jump host and connects over it.
// Each failed bind or handshake moves to the next port; attempts are paced
// by the limiter and bounded by the tunnel timeout.
func (d *SSHDialer) dialTunnel(ctx context.Context, target string, cfg *ssh.ClientConfig) (Session, error) {
	timeout := time.Duration(d.cfg.Tunnel.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jumpCfg, err := d.clientConfig(d.cfg.Tunnel.Username, d.cfg.Tunnel.Password)
	if err != nil {
		return nil, err
	}
	jumpAddr := net.JoinHostPort(d.cfg.Tunnel.Host, strconv.Itoa(d.cfg.Tunnel.Port))

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			err = errors.Wrapf(errors.ErrTimeout, "tunnel through %s not established after %s", jumpAddr, timeout)
			if lastErr != nil {
				err = errors.WithSecondaryError(err, lastErr)
			}
			return nil, err
		}

		port := d.takePort()
		session, err := d.tryTunnel(jumpAddr, jumpCfg, target, cfg, port)
		if err == nil {
			d.logger.Debugw("Tunnel established",
				logger.FieldHost, jumpAddr,
				logger.FieldPort, port,
				"attempt", attempt)
			return session, nil
		}

		lastErr = err
		d.logger.Debugw("Tunnel attempt failed",
			logger.FieldHost, jumpAddr,
			logger.FieldPort, port,
			logger.FieldError, err)
	}
}

func (d *SSHDialer) takePort() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	port := d.nextPort
	d.nextPort++
	if d.nextPort > 65535 {
		d.nextPort = d.basePort
	}
	return port
}

func (d *SSHDialer) tryTunnel(jumpAddr string, jumpCfg *ssh.ClientConfig, target string, cfg *ssh.ClientConfig, port int) (Session, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind local port %d", port)
	}

	jump, err := ssh.Dial("tcp", jumpAddr, jumpCfg)
	if err != nil {
		listener.Close()
		return nil, errors.Wrapf(err, "failed to connect to jump host %s", jumpAddr)
	}

	fwd := &forward{listener: listener, jump: jump, target: target}
	go fwd.serve()

	client, err := ssh.Dial("tcp", listener.Addr().String(), cfg)
	if err != nil {
		fwd.Close()
		return nil, errors.Wrapf(err, "failed to connect to %s through tunnel", target)
	}
	return &sshSession{client: client, tunnel: fwd}, nil
}

// forward pipes local connections to target through the jump host
type forward struct {
	listener net.Listener
	jump     *ssh.Client
	target   string
}

func (f *forward) serve() {
	for {
		local, err := f.listener.Accept()
		if err != nil {
			return
		}
		remote, err := f.jump.Dial("tcp", f.target)
		if err != nil {
			local.Close()
			continue
		}
		go pipe(local, remote)
	}
}

func pipe(a, b net.Conn) {
	defer a.Close()
	defer b.Close()
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}

func (f *forward) Close() error {
	lerr := f.listener.Close()
	jerr := f.jump.Close()
	if lerr != nil {
		return lerr
	}
	return jerr
}

type sshSession struct {
	client *ssh.Client
	sftp   *sftp.Client
	tunnel *forward
}

func (s *sshSession) Run(_ context.Context, command string) ([]string, []string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open ssh channel")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// A non-zero exit shows up on stderr, which is what callers judge
	if err := session.Run(command); err != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		if !errors.As(err, &exitErr) && !errors.As(err, &missing) {
			return nil, nil, errors.Wrapf(err, "failed to run %s", command)
		}
	}
	return splitLines(stdout.Bytes()), splitLines(stderr.Bytes()), nil
}

func (s *sshSession) sftpClient() (*sftp.Client, error) {
	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sftp subsystem")
	}
	s.sftp = c
	return c, nil
}

func (s *sshSession) Upload(_ context.Context, r io.Reader, remotePath string) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	f, err := c.Create(remotePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create remote file %s", remotePath)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to upload %s", remotePath)
	}
	return f.Close()
}

func (s *sshSession) Open(_ context.Context, remotePath string) (io.ReadCloser, error) {
	c, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	return c.Open(remotePath)
}

func (s *sshSession) Close() error {
	if s.sftp != nil {
		s.sftp.Close()
	}
	err := s.client.Close()
	if s.tunnel != nil {
		s.tunnel.Close()
	}
	return err
}

func splitLines(b []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(b))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
