// Package signaling is the participant side of the relay connection.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrRelayUnavailable = errors.New("signaling: relay unavailable")
	ErrNotConnected     = errors.New("signaling: not connected")
)

type Options struct {
	URL    string
	Header http.Header
	// Tiers are the waits before each reconnect attempt. When every tier
	// fails the client gives up with ErrRelayUnavailable.
	Tiers            []time.Duration
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	// ReadTimeout drops a connection that stays silent, pings included.
	ReadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tiers == nil {
		o.Tiers = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = time.Minute
	}
	return o
}

// Handlers run on the read goroutine, in arrival order.
type Handlers struct {
	OnMessage func(protocol.Message)
	// OnDisconnected fires when a live connection breaks, before any
	// reconnect attempt.
	OnDisconnected func(err error)
	// OnReconnected fires after a broken connection was replaced.
	OnReconnected func()
}

type Client struct {
	opts   Options
	h      Handlers
	dialer *websocket.Dialer
	logger zerolog.Logger

	wmu  sync.Mutex
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func New(opts Options, h Handlers) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:   opts,
		h:      h,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger: log.With().Str("module", "signaling").Str("url", opts.URL).Logger(),
		done:   make(chan struct{}),
	}
}

// Connect dials the relay, walking the reconnect tiers if the first attempt
// fails, and starts reading. It must be called once.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dial failed")
		if conn, err = c.redial(ctx); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setConn(conn)
	go c.loop(ctx, conn)
	return nil
}

// Send encodes and writes one message.
func (c *Client) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write %s: %w", m.Kind(), err)
	}
	return nil
}

// Done is closed when the client stops for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is nil after Close and ErrRelayUnavailable after the tiers ran out.
// Valid once Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close stops the client without reconnecting.
func (c *Client) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.wmu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteWait))
		_ = c.conn.Close()
	}
	c.wmu.Unlock()
	<-c.done
	return nil
}

func (c *Client) loop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.read(conn)
		c.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			c.logger.Info().Msg("closed")
			return
		}
		c.logger.Warn().Err(err).Msg("connection lost")
		if c.h.OnDisconnected != nil {
			c.h.OnDisconnected(err)
		}

		if conn, err = c.redial(ctx); err != nil {
			if ctx.Err() == nil {
				c.err = err
			}
			return
		}
		c.setConn(conn)
		c.logger.Info().Msg("reconnected")
		if c.h.OnReconnected != nil {
			c.h.OnReconnected()
		}
	}
}

func (c *Client) read(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("undecodable frame dropped")
			continue
		}
		if c.h.OnMessage != nil {
			c.h.OnMessage(msg)
		}
	}
}

func (c *Client) redial(ctx context.Context) (*websocket.Conn, error) {
	for i, wait := range c.opts.Tiers {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		c.logger.Warn().Err(err).Int("attempt", i+1).Int("tiers", len(c.opts.Tiers)).Msg("reconnect failed")
	}
	return nil, ErrRelayUnavailable
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteWait))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &ne) && ne.Temporary() {
			return nil
		}
		return err
	})
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.wmu.Lock()
	c.conn = conn
	c.wmu.Unlock()
}
