package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rdmplayer/watchtogether/server/src/logger"
)

const shutdownTimeout = 10 * time.Second

// Server owns the HTTP listener and its shutdown choreography.
type Server struct {
	host string
	port uint16
	cert string
	key  string

	httpServer *http.Server
	stopProbe  chan int
	stopSignal chan os.Signal
	errChannel chan error
}

func NewServer(host string, port uint16, cert string, key string, handler http.Handler) *Server {
	server := &Server{
		host:       host,
		port:       port,
		cert:       cert,
		key:        key,
		stopProbe:  make(chan int),
		stopSignal: make(chan os.Signal, 1),
		errChannel: make(chan error, 1),
	}
	server.httpServer = &http.Server{
		Handler: handler,
		// Uploads and video streams run for minutes and the signaling
		// sockets stay open indefinitely, so only the header read is bounded.
		ReadHeaderTimeout: 10 * time.Second,
	}
	signal.Notify(server.stopSignal, os.Interrupt, syscall.SIGTERM)
	return server
}

// Listen serves until a signal arrives, Stop is called, or the listener fails.
func (server *Server) Listen() error {
	listener, tlsEnabled, err := server.getListener()
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	if tlsEnabled {
		logger.Infow("Listening with TLS", "address", listener.Addr().String())
	} else {
		logger.Warnw("Listening without TLS", "address", listener.Addr().String())
	}

	go func() {
		serveErr := server.httpServer.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			server.errChannel <- serveErr
		}
	}()

	select {
	case <-server.stopProbe:
		logger.Infow("Server stopped")
	case sig := <-server.stopSignal:
		logger.Infow("Received signal", "signal", sig)
	case err := <-server.errChannel:
		return fmt.Errorf("server failed: %w", err)
	}

	return server.shutdown()
}

// Stop unblocks Listen and triggers the graceful shutdown.
func (server *Server) Stop() {
	close(server.stopProbe)
}

func (server *Server) getListener() (net.Listener, bool, error) {
	address := fmt.Sprintf("%s:%d", server.host, server.port)

	if server.cert == "" || server.key == "" {
		listener, err := net.Listen("tcp", address)
		return listener, false, err
	}

	certificate, err := tls.LoadX509KeyPair(server.cert, server.key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}
	listener, err := tls.Listen("tcp", address, tlsConfig)
	return listener, true, err
}

func (server *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
