// Package testnats starts an embedded NATS server with JetStream enabled,
// for use as an integration-test harness by the bus/natsbus package's
// tests. Production code never imports this package; it dials a real NATS
// deployment instead.
package testnats

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultMaxMem is the default JetStream memory limit (256 MiB).
	DefaultMaxMem = 256 << 20

	// DefaultMaxStore is the default JetStream file storage limit (1 GiB).
	DefaultMaxStore = 1 << 30
)

// Server wraps an embedded NATS server with JetStream and provides
// lifecycle management for tests (start, stop, in-process connect).
type Server struct {
	server   *server.Server
	conn     *nats.Conn
	storeDir string
	port     int
}

// Config holds configuration for the embedded NATS server.
type Config struct {
	Port     int    // TCP port; 0 picks a random free port
	StoreDir string // JetStream file storage directory; "" uses a temp dir
}

// Start creates and starts an embedded NATS server with JetStream and
// returns an in-process connection alongside it.
func Start(cfg Config) (*Server, error) {
	storeDir := cfg.StoreDir
	if storeDir == "" {
		dir, err := os.MkdirTemp("", "rbf-natsd-")
		if err != nil {
			return nil, fmt.Errorf("create NATS store dir: %w", err)
		}
		storeDir = dir
	}

	port := cfg.Port
	if port == 0 {
		port = server.RANDOM_PORT
	}

	opts := &server.Options{
		ServerName:         "rbf-test",
		Host:               "127.0.0.1",
		Port:               port,
		JetStream:          true,
		JetStreamMaxMemory: DefaultMaxMem,
		JetStreamMaxStore:  DefaultMaxStore,
		StoreDir:           storeDir,
		NoLog:              true,
		NoSigs:             true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to become ready within 10 seconds")
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("rbf-test-internal"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("in-process NATS connection: %w", err)
	}

	srv := &Server{
		server:   ns,
		conn:     nc,
		storeDir: storeDir,
	}
	if addr, ok := ns.Addr().(*net.TCPAddr); ok {
		srv.port = addr.Port
	}
	return srv, nil
}

// Conn returns an in-process NATS connection. Callers may open additional
// connections via ClientURL for tests that want independent consumers.
func (s *Server) Conn() *nats.Conn {
	return s.conn
}

// ClientURL returns the URL new clients should dial to reach this server.
func (s *Server) ClientURL() string {
	return s.server.ClientURL()
}

// Shutdown drains the in-process connection and stops the server, removing
// its JetStream store directory.
func (s *Server) Shutdown() {
	if s.conn != nil {
		s.conn.Drain()
		s.conn.Close()
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}
	os.RemoveAll(s.storeDir)
}
