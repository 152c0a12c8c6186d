package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH server on the configured port. SSH only
// carries the envelope stream; clients still log in with a Login envelope.
func (s *Server) startSSHServer() error {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: s.authenticateSSHPassword,
		ServerVersion:    "SSH-2.0-BuddyChat",
	}
	config.AddHostKey(hostKey)

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener
	log.Infof("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
	return nil
}

// SSHAddr returns the SSH listener address, or nil when SSH is disabled.
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("SSH accept error")
			continue
		}

		if !s.trackConn() {
			conn.Close()
			return
		}
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection handles a single SSH connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		log.WithError(err).Debug("SSH handshake failed")
		return
	}
	defer sshConn.Close()

	// Closing the transport ends the channel loop below on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		s.openSSHSession(sshConn, nc)
	}
}

// openSSHSession accepts a "session" channel and serves the envelope stream
// on it. Other channel types are rejected.
func (s *Server) openSSHSession(sshConn *ssh.ServerConn, nc ssh.NewChannel) {
	if nc.ChannelType() != "session" {
		nc.Reject(ssh.UnknownChannelType, "only session channels are supported")
		return
	}
	channel, requests, err := nc.Accept()
	if err != nil {
		log.WithError(err).Warn("could not accept SSH channel")
		return
	}

	go answerSessionRequests(requests)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveConn("ssh", &sshChannelConn{Channel: channel, transport: sshConn, remote: sshConn.RemoteAddr(), local: sshConn.LocalAddr()})
	}()
}

// sessionRequests are the channel requests terminal clients send before
// data flows. They are acknowledged and otherwise ignored.
var sessionRequests = map[string]bool{
	"shell":         true,
	"pty-req":       true,
	"env":           true,
	"window-change": true,
}

func answerSessionRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		if req.WantReply {
			req.Reply(sessionRequests[req.Type], nil)
		}
	}
}

// authenticateSSHPassword admits an SSH connection when the SSH user name is
// a user ID and the password is that user's password.
func (s *Server) authenticateSSHPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	id := conn.User()
	if !s.store.VerifyCredential(id, string(password)) {
		log.WithField("user", id).WithField("remote", conn.RemoteAddr()).Info("SSH auth rejected")
		return nil, fmt.Errorf("wrong ID or password")
	}
	return &ssh.Permissions{Extensions: map[string]string{"user_id": id}}, nil
}

// sshChannelConn adapts an SSH channel to net.Conn. Channels have no
// deadlines, so a write that outlives the write deadline closes the whole SSH
// connection to unblock it. Read deadlines are ignored.
type sshChannelConn struct {
	ssh.Channel
	transport io.Closer
	remote    net.Addr
	local     net.Addr

	mu            sync.Mutex
	writeDeadline time.Time
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()
	if deadline.IsZero() {
		return c.Channel.Write(b)
	}

	wait := time.Until(deadline)
	if wait <= 0 {
		return 0, os.ErrDeadlineExceeded
	}
	var expired atomic.Bool
	timer := time.AfterFunc(wait, func() {
		expired.Store(true)
		c.transport.Close()
	})
	n, err := c.Channel.Write(b)
	timer.Stop()
	if expired.Load() {
		return n, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *sshChannelConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *sshChannelConn) SetDeadline(t time.Time) error { return c.SetWriteDeadline(t) }

func (c *sshChannelConn) LocalAddr() net.Addr             { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr            { return c.remote }
func (c *sshChannelConn) SetReadDeadline(time.Time) error { return nil }

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// loadOrGenerateHostKey reads the host key at the configured path. A missing
// key is replaced by a fresh ed25519 key written with mode 0600.
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}

	pemBytes, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key %s: %w", keyPath, err)
		}
		log.Infof("Loaded SSH host key from %s", keyPath)
		return signer, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Infof("Generating new SSH host key at %s...", keyPath)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "buddychat host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}
