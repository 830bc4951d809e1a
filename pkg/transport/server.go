// Package transport bridges plugin processes to the engine over a unix socket.
//
// Each connection carries newline-delimited JSON envelopes in both directions. A
// connection is bound to the plugin_name of the first envelope it sends; from then on it
// may only speak for that proc_id and receives every server-to-client envelope addressed
// to it. When a plugin reconnects under the same proc_id the older connection is closed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/channel"
	"github.com/openfroyo/lom/pkg/protocol"
)

// Server accepts plugin connections on a unix socket.
type Server struct {
	path         string
	bus          *channel.Bus
	onDisconnect func(procID string)
	logger       zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	bound    map[string]*conn
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDisconnectHandler is called with the proc_id of a bound connection that closed
// without being replaced by a newer one.
func WithDisconnectHandler(fn func(procID string)) Option {
	return func(s *Server) { s.onDisconnect = fn }
}

// NewServer creates a server that listens on path and relays to bus.
func NewServer(path string, bus *channel.Bus, opts ...Option) *Server {
	s := &Server{
		path:   path,
		bus:    bus,
		logger: zerolog.Nop(),
		conns:  make(map[*conn]struct{}),
		bound:  make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "transport").Str("socket", path).Logger()
	return s
}

// Listen opens the socket, replacing a stale socket file left by a previous run.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.path
}

// Serve accepts connections until ctx is done. Listen is called first if needed.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		l = s.listener
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	s.logger.Info().Msg("Accepting plugin connections")
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		c := newConn(s, nc)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve(ctx)
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}

	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	os.Remove(s.path)
	return nil
}

// Connected returns the proc_ids with a live connection.
func (s *Server) Connected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bound))
	for id := range s.bound {
		out = append(out, id)
	}
	return out
}

// bind associates procID with c, closing a previous connection for the same proc_id.
func (s *Server) bind(procID string, c *conn) {
	s.mu.Lock()
	old := s.bound[procID]
	s.bound[procID] = c
	s.mu.Unlock()

	if old != nil && old != c {
		s.logger.Info().Str("proc_id", procID).Msg("Plugin reconnected, closing previous connection")
		old.close()
		old.stopForward()
	}
}

// unbind drops c and reports whether it was still the current connection of procID.
func (s *Server) unbind(procID string, c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound[procID] != c {
		return false
	}
	delete(s.bound, procID)
	return true
}

type conn struct {
	s      *Server
	nc     net.Conn
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	procID string

	cancel    context.CancelFunc
	fwdCancel context.CancelFunc
	fwdDone   chan struct{}
	once      sync.Once
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		s:   s,
		nc:  nc,
		enc: protocol.NewEncoder(nc),
		dec: protocol.NewDecoder(nc),
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		c.nc.Close()
	})
}

// stopForward stops delivery to c and waits until no envelope is in flight.
func (c *conn) stopForward() {
	if c.fwdCancel == nil {
		return
	}
	c.fwdCancel()
	<-c.fwdDone
}

func (c *conn) serve(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()
	defer c.close()

	log := c.s.logger

	for {
		env, err := c.dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedPayload) {
				log.Warn().Err(err).Msg("Dropping malformed envelope")
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug().Err(err).Msg("Connection read failed")
			}
			break
		}

		if env.Type.Direction() != protocol.ClientToServer {
			log.Warn().Str("type", string(env.Type)).Msg("Dropping server-to-client envelope sent by plugin")
			continue
		}
		if c.procID == "" {
			c.procID = env.PluginName
			log = log.With().Str("proc_id", c.procID).Logger()

			// Delivery to this connection starts before the older one is stopped, and
			// both happen before the first envelope reaches the engine, so no reply to
			// it can be taken by the connection being replaced.
			fctx, fcancel := context.WithCancel(ctx)
			c.fwdCancel = fcancel
			c.fwdDone = make(chan struct{})
			go func() {
				defer close(c.fwdDone)
				c.forward(fctx)
			}()
			c.s.bind(c.procID, c)
			log.Info().Msg("Plugin connected")
		} else if env.PluginName != c.procID {
			log.Warn().Str("plugin_name", env.PluginName).Msg("Dropping envelope for a different proc_id")
			continue
		}

		if err := c.s.bus.ClientToServer.Write(env); err != nil {
			log.Error().Err(err).Msg("Failed to relay envelope to engine")
			if errors.Is(err, channel.ErrClosed) {
				break
			}
		}
	}

	c.cancel()
	c.close()
	c.stopForward()

	if c.procID != "" && c.s.unbind(c.procID, c) {
		log.Warn().Msg("Plugin disconnected")
		if c.s.onDisconnect != nil {
			c.s.onDisconnect(c.procID)
		}
	}
}

// forward writes every server-to-client envelope addressed to the bound proc_id.
func (c *conn) forward(ctx context.Context) {
	filter := channel.Filter{Plugin: c.procID}
	for {
		env, err := c.s.bus.ServerToClient.Read(ctx, filter, -1)
		if err != nil {
			return
		}
		if err := c.enc.Encode(env); err != nil {
			c.s.logger.Warn().Err(err).
				Str("proc_id", c.procID).
				Str("type", string(env.Type)).
				Msg("Failed to deliver envelope to plugin")
			c.close()
			return
		}
	}
}
