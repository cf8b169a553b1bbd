package broker

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/ahrdadan/capq/internal/logging"
)

// DefaultReadyTimeout bounds how long Start waits for a spawned server.
const DefaultReadyTimeout = 10 * time.Second

// Config holds configuration for the local NATS server
type Config struct {
	BinPath      string
	StoreDir     string
	URL          string
	AutoDownload bool
	ReadyTimeout time.Duration
	Logger       zerolog.Logger
}

// Server runs, or attaches to, a local NATS server with JetStream.
type Server struct {
	cfg       Config
	binPath   string
	logger    zerolog.Logger
	cmd       *exec.Cmd
	nc        *nats.Conn
	js        jetstream.JetStream
	mu        sync.Mutex
	isRunning bool
}

// NewServer checks the URL and makes sure a server binary is available.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if _, _, err := splitURL(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	logger := logging.Scoped(cfg.Logger, "nats")

	binPath, err := NewDownloader(logger).Ensure(ctx, cfg.BinPath, cfg.AutoDownload)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure nats-server binary: %w", err)
	}

	return &Server{cfg: cfg, binPath: binPath, logger: logger}, nil
}

// Start connects to a server already listening on the URL, or spawns one.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}

	host, port, err := splitURL(s.cfg.URL)
	if err != nil {
		return err
	}

	if reachable(host, port) {
		s.logger.Info().Str("url", s.cfg.URL).Msg("attaching to running nats server")
		if err := s.connect(); err != nil {
			return err
		}
		s.isRunning = true
		return nil
	}

	storeDir, err := filepath.Abs(s.cfg.StoreDir)
	if err != nil {
		return fmt.Errorf("failed to resolve store dir: %w", err)
	}
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	s.cmd = exec.Command(s.binPath, "-js", "-sd", storeDir, "-a", host, "-p", port)
	procLogger := s.logger.With().Str("process", "nats-server").Logger()
	s.cmd.Stdout = procLogger
	s.cmd.Stderr = procLogger
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start nats-server: %w", err)
	}

	if err := waitReachable(ctx, host, port, s.cfg.ReadyTimeout); err != nil {
		s.kill()
		return err
	}
	if err := s.connect(); err != nil {
		s.kill()
		return err
	}

	s.isRunning = true
	s.logger.Info().Str("url", s.cfg.URL).Msg("nats server started with JetStream")
	return nil
}

// Stop closes the connection and stops a server this process spawned.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	s.kill()
	s.js = nil
	s.isRunning = false

	s.logger.Info().Msg("nats server stopped")
	return nil
}

func (s *Server) kill() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Kill(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to kill nats-server")
	}
	_ = s.cmd.Wait()
	s.cmd = nil
}

// JetStream returns the JetStream context
func (s *Server) JetStream() jetstream.JetStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.js
}

func (s *Server) connect() error {
	nc, err := nats.Connect(s.cfg.URL, nats.Name("capq"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	s.nc = nc
	s.js = js
	return nil
}

func reachable(host, port string) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func waitReachable(ctx context.Context, host, port string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if reachable(host, port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("nats-server not reachable on %s: %w", net.JoinHostPort(host, port), ctx.Err())
		case <-ticker.C:
		}
	}
}

// splitURL returns host and port of a nats://host:port URL.
func splitURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "nats" || u.Host == "" {
		return "", "", fmt.Errorf("invalid NATS URL %q", raw)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || port == "" {
		return "", "", fmt.Errorf("invalid NATS URL %q: host:port required", raw)
	}
	return host, port, nil
}
