package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"fleetrun/internal/model"
	logx "fleetrun/pkg/logx"
)

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	ConnectTimeout time.Duration
	// IdleTimeout closes pooled connections unused for this long.
	IdleTimeout time.Duration
	// KnownHostsPath is the default known_hosts file. Default ~/.ssh/known_hosts.
	KnownHostsPath string
	// DefaultUser is used when a target has no user.
	DefaultUser string
	// DefaultKeyPath is used when a target has neither key nor password.
	DefaultKeyPath string
}

type sshClient interface {
	NewSession() (*ssh.Session, error)
	Close() error
}

type pooledClient struct {
	client   sshClient
	lastUsed time.Time
	refs     int
}

// SSH opens sessions over pooled SSH connections, one connection per target.
// Sessions multiplex over the shared connection.
type SSH struct {
	cfg SSHConfig
	log logx.Logger

	dial func(ctx context.Context, t model.Target) (sshClient, error)

	mu      sync.Mutex
	clients map[string]*pooledClient
}

func NewSSH(cfg SSHConfig, log logx.Logger) *SSH {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	s := &SSH{cfg: cfg, log: log, clients: map[string]*pooledClient{}}
	s.dial = s.dialTarget
	return s
}

func poolKey(t model.Target) string {
	r := t.Remote
	if r == nil {
		return t.ID
	}
	return t.ID + "|" + r.User + "@" + r.Host + ":" + strconv.Itoa(r.Port)
}

func (s *SSH) Open(ctx context.Context, t model.Target) (Session, error) {
	if t.Remote == nil || strings.TrimSpace(t.Remote.Host) == "" {
		return nil, &model.ConnectionError{TargetID: t.ID, Err: errors.New("no remote endpoint")}
	}
	key := poolKey(t)

	s.mu.Lock()
	pc := s.clients[key]
	if pc != nil {
		pc.refs++
		pc.lastUsed = time.Now()
		s.mu.Unlock()
		return &sshSession{owner: s, key: key, pc: pc, target: t}, nil
	}
	s.mu.Unlock()

	client, err := s.dial(ctx, t)
	if err != nil {
		return nil, &model.ConnectionError{TargetID: t.ID, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.clients[key]; existing != nil {
		// Lost a dial race; keep the pooled one.
		_ = client.Close()
		existing.refs++
		existing.lastUsed = time.Now()
		return &sshSession{owner: s, key: key, pc: existing, target: t}, nil
	}
	pc = &pooledClient{client: client, lastUsed: time.Now(), refs: 1}
	s.clients[key] = pc
	s.log.Debug("ssh connected", logx.String("target", t.ID), logx.String("host", t.Remote.Host))
	return &sshSession{owner: s, key: key, pc: pc, target: t}, nil
}

func (s *SSH) release(pc *pooledClient) {
	s.mu.Lock()
	if pc.refs > 0 {
		pc.refs--
	}
	pc.lastUsed = time.Now()
	s.mu.Unlock()
}

// evict drops a broken connection from the pool.
func (s *SSH) evict(key string, pc *pooledClient) {
	s.mu.Lock()
	if s.clients[key] == pc {
		delete(s.clients, key)
	}
	s.mu.Unlock()
	_ = pc.client.Close()
}

// Sweep closes idle connections with no open sessions. It returns how many were closed.
func (s *SSH) Sweep(now time.Time) int {
	var victims []sshClient
	s.mu.Lock()
	for key, pc := range s.clients {
		if pc.refs == 0 && now.Sub(pc.lastUsed) >= s.cfg.IdleTimeout {
			victims = append(victims, pc.client)
			delete(s.clients, key)
		}
	}
	s.mu.Unlock()
	for _, c := range victims {
		_ = c.Close()
	}
	return len(victims)
}

// Janitor runs Sweep periodically until ctx is done.
func (s *SSH) Janitor(ctx context.Context) error {
	every := s.cfg.IdleTimeout / 2
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if n := s.Sweep(now); n > 0 {
				s.log.Debug("ssh idle connections closed", logx.Int("count", n))
			}
		}
	}
}

// Close closes every pooled connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	clients := s.clients
	s.clients = map[string]*pooledClient{}
	s.mu.Unlock()
	for _, pc := range clients {
		_ = pc.client.Close()
	}
	return nil
}

// PoolSize reports the number of pooled connections.
func (s *SSH) PoolSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *SSH) dialTarget(ctx context.Context, t model.Target) (sshClient, error) {
	cfg, err := s.clientConfig(t)
	if err != nil {
		return nil, err
	}
	port := t.Remote.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Remote.Host, strconv.Itoa(port))

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SSH) clientConfig(t model.Target) (*ssh.ClientConfig, error) {
	r := t.Remote
	user := r.User
	if user == "" {
		user = s.cfg.DefaultUser
	}
	if user == "" {
		return nil, errors.New("no ssh user")
	}

	var auth []ssh.AuthMethod
	keyPath := r.KeyPath
	if keyPath == "" && r.PasswordEnv == "" {
		keyPath = s.cfg.DefaultKeyPath
	}
	if keyPath != "" {
		pem, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if r.PasswordEnv != "" {
		pw, ok := os.LookupEnv(r.PasswordEnv)
		if !ok {
			return nil, fmt.Errorf("password env %s not set", r.PasswordEnv)
		}
		auth = append(auth, ssh.Password(pw))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh auth method (set key_path or password_env)")
	}

	hostKey, err := s.hostKeyCallback(r)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.ConnectTimeout,
	}, nil
}

func (s *SSH) hostKeyCallback(r *model.RemoteEndpoint) (ssh.HostKeyCallback, error) {
	if r.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := r.KnownHostsPath
	if path == "" {
		path = s.cfg.KnownHostsPath
	}
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	return cb, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

type sshSession struct {
	owner  *SSH
	key    string
	pc     *pooledClient
	target model.Target

	closeOnce sync.Once
}

func (s *sshSession) Target() model.Target { return s.target }

func (s *sshSession) Close() error {
	s.closeOnce.Do(func() { s.owner.release(s.pc) })
	return nil
}

func (s *sshSession) Run(ctx context.Context, c Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess, err := s.pc.client.NewSession()
	if err != nil {
		// A pooled connection that cannot open channels is dead.
		s.owner.evict(s.key, s.pc)
		return &model.ConnectionError{TargetID: s.target.ID, Err: err}
	}
	defer sess.Close()

	sess.Stdin = c.Stdin
	sess.Stdout = c.Stdout
	sess.Stderr = c.Stderr

	if err := sess.Start(withEnv(c.Script, c.Env)); err != nil {
		return &model.ConnectionError{TargetID: s.target.ID, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Code: ee.ExitStatus()}
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return &ExitError{Code: -1}
	}
	return &model.ConnectionError{TargetID: s.target.ID, Err: err}
}
