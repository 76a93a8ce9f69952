package eventsink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Server binds the notification sink to the advertised callback
// address. It must listen on the exact host and port handed to devices
// at subscribe time; devices push to that address for the life of the
// lease.
type Server struct {
	sink   *Sink
	server *http.Server
	logger Logger
}

// NewServer wraps a sink in an HTTP server listening on addr.
func NewServer(sink *Sink, addr string, logger Logger) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Server{
		sink: sink,
		server: &http.Server{
			Addr:              addr,
			Handler:           sink.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving. It returns once the listener is bound, so a
// caller knows the callback address is live before subscribing, and
// reports serve failures on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("eventsink: binding callback listener: %w", err)
	}
	s.logger.Info("event callback sink listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Shutdown stops the HTTP server, then drains the sink's queues.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.sink.Close()
	return err
}
