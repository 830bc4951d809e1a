package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/channel"
	"github.com/openfroyo/lom/pkg/protocol"
)

// Conn is the plugin side of a socket connection. It satisfies client.Link.
type Conn struct {
	nc     net.Conn
	enc    *protocol.Encoder
	inbox  *channel.Channel
	logger zerolog.Logger

	once sync.Once
	done chan struct{}
}

// Dial connects to the engine socket at path. Envelopes received from the engine are
// queued on the connection's inbox until read.
func Dial(ctx context.Context, path string, logger zerolog.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}

	c := &Conn{
		nc:     nc,
		enc:    protocol.NewEncoder(nc),
		inbox:  channel.New("inbox", channel.WithLogger(logger)),
		logger: logger.With().Str("component", "transport").Logger(),
		done:   make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

func (c *Conn) receive() {
	defer close(c.done)
	defer c.inbox.Close()

	dec := protocol.NewDecoder(c.nc)
	for {
		env, err := dec.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedPayload) {
				c.logger.Warn().Err(err).Msg("Dropping malformed envelope from engine")
				continue
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Debug().Err(err).Msg("Engine connection closed")
			}
			return
		}
		if err := c.inbox.Write(env); err != nil {
			return
		}
	}
}

// Send writes one envelope to the engine.
func (c *Conn) Send(env *protocol.Envelope) error {
	if c.inbox.Closed() {
		return channel.ErrClosed
	}
	return c.enc.Encode(env)
}

// Inbox returns the queue of envelopes received from the engine.
func (c *Conn) Inbox() *channel.Channel {
	return c.inbox
}

// Done is closed once the connection to the engine is lost or closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.nc.Close()
		<-c.done
	})
	return err
}
