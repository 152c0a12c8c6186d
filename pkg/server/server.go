package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/buddychat/pkg/database"
	"github.com/aeolun/buddychat/pkg/presence"
	"github.com/aeolun/buddychat/pkg/protocol"
)

var log = logrus.WithField("component", "server")

const (
	defaultPendingRequestCapacity = 50
	defaultRetryBudget            = 100

	statsInterval = time.Minute
)

// Server accepts client connections on every configured transport and runs a
// session per connection against the shared store and presence registry.
type Server struct {
	store    *database.UserStore
	registry *presence.Registry
	sessions *SessionManager
	codec    *protocol.Codec
	config   ServerConfig
	metrics  *Metrics

	listener    net.Listener
	sshListener net.Listener
	wsServer    *http.Server
	wsListener  net.Listener

	shutdown  chan struct{}
	connMu    sync.Mutex // guards stopping and wg.Add against Stop
	stopping  bool
	wg        sync.WaitGroup
	startTime time.Time
	stopOnce  sync.Once
	stopErr   error
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int
	WSPort         int // 0 disables the WebSocket listener
	SSHPort        int // 0 disables the SSH listener
	MetricsPort    int // 0 disables the metrics endpoint
	SSHHostKeyPath string

	DataDir          string
	StoreBackend     string // "file" or "sqlite"
	SnapshotInterval time.Duration
	BcryptCost       int

	MailboxCapacity        int
	PendingRequestCapacity int
	RetryBudget            int

	SharedSecret string
	Debug        bool
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:                6565,
		WSPort:                 6567,
		SSHPort:                6566,
		MetricsPort:            9090,
		SSHHostKeyPath:         "~/.buddychat/ssh_host_key",
		DataDir:                "~/.local/share/buddychat",
		StoreBackend:           "file",
		SnapshotInterval:       database.DefaultSnapshotInterval,
		MailboxCapacity:        presence.DefaultMailboxCapacity,
		PendingRequestCapacity: defaultPendingRequestCapacity,
		RetryBudget:            defaultRetryBudget,
	}
}

// NewServer opens the store in config.DataDir and wires the registry, codec
// and metrics. A store whose snapshot and backup are both unreadable is a
// fatal error.
func NewServer(config ServerConfig) (*Server, error) {
	if config.RetryBudget <= 0 {
		config.RetryBudget = defaultRetryBudget
	}
	if config.PendingRequestCapacity <= 0 {
		config.PendingRequestCapacity = defaultPendingRequestCapacity
	}
	if config.DataDir == "" {
		config.DataDir = "."
	}

	cipher, err := protocol.NewCipher(config.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to set up cipher: %w", err)
	}

	backend, err := database.NewBackend(config.StoreBackend, config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store backend: %w", err)
	}
	store, err := database.Open(database.Options{
		Backend:          backend,
		SnapshotInterval: config.SnapshotInterval,
		BcryptCost:       config.BcryptCost,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open user store: %w", err)
	}

	metrics := NewMetrics()
	store.SetMetrics(metrics)

	registry := presence.New(config.MailboxCapacity)
	registry.SetMetrics(metrics)

	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	return &Server{
		store:     store,
		registry:  registry,
		sessions:  sessions,
		codec:     protocol.NewCodec(cipher),
		config:    config,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// initLoggers routes errors to stderr and errors.log, everything else to
// stdout and a fresh server.log in dataDir.
func initLoggers(dataDir string, debug bool) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return err
	}
	// Startup marker so runs can be told apart
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	serverFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}

	logrus.SetOutput(io.MultiWriter(os.Stdout, serverFile))
	logrus.AddHook(&errorHook{out: io.MultiWriter(os.Stderr, errorFile)})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	return nil
}

// errorHook copies error-level entries to a second writer.
type errorHook struct {
	out io.Writer
}

func (h *errorHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *errorHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	_, err = io.WriteString(h.out, line)
	return err
}

// InitLogging configures process-wide logging for a server using config.
func InitLogging(config ServerConfig) error {
	return initLoggers(config.DataDir, config.Debug)
}

// Start opens every configured listener. Accept loops run until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Infof("TCP listening on %s", listener.Addr())

	if s.config.SSHPort > 0 {
		if err := s.startSSHServer(); err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to start SSH server: %w", err)
		}
	}

	if s.config.WSPort > 0 {
		if err := s.startWebSocketServer(); err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to start WebSocket server: %w", err)
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.statsLoop()

	return nil
}

// statsLoop periodically logs connection counts
func (s *Server) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			authenticated := 0
			for _, sess := range s.sessions.GetAllSessions() {
				if state, _, _ := sess.snapshot(); state == stateAuthenticated {
					authenticated++
				}
			}
			log.WithFields(logrus.Fields{
				"sessions":      s.sessions.Count(),
				"authenticated": authenticated,
				"online":        s.registry.OnlineCount(),
				"users":         s.store.Count(),
				"goroutines":    runtime.NumGoroutine(),
			}).Info("stats")
		}
	}
}

// Addr returns the TCP listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down: the registry terminates online sessions, the
// session manager closes what is left, then the store writes its final
// snapshot. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Info("Graceful shutdown initiated...")
		s.connMu.Lock()
		s.stopping = true
		s.connMu.Unlock()
		close(s.shutdown)
		s.closeListeners()

		s.registry.Shutdown()
		s.sessions.CloseAll()
		s.wg.Wait()

		log.Info("Flushing user store to disk...")
		if err := s.store.Close(); err != nil {
			log.WithError(err).Error("store close failed")
			s.stopErr = err
			return
		}
		log.Info("Graceful shutdown complete")
	})
	return s.stopErr
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.wsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// hijacked WebSocket connections are not tracked by Shutdown
		if err := s.wsServer.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("WebSocket server shutdown")
		}
	}
}

// trackConn adds a connection to the shutdown WaitGroup. It reports false once
// Stop has begun, and the caller must then drop the connection.
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("accept error")
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		if !s.trackConn() {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.serveConn("tcp", conn)
		}()
	}
}

// MetricsHandler serves /metrics and /health.
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// HealthHandler reports liveness with a few gauges.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok\nuptime %s\nsessions %d\nonline %d\nusers %d\n",
		time.Since(s.startTime).Truncate(time.Second),
		s.sessions.Count(),
		s.registry.OnlineCount(),
		s.store.Count())
}
