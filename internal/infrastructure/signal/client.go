package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrChannelClosed = errors.New("signaling channel closed")

// ClientConfig controls a websocket signaling connection.
type ClientConfig struct {
	URL           string
	ParticipantID domain.ParticipantID
	SessionID     domain.SessionID
	Token         string

	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 50
	}
	if c.Burst <= 0 {
		c.Burst = 100
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	return c
}

// Client is a signaling channel to a relay over a websocket. Outbound
// messages are rate limited so a burst of ICE candidates cannot flood the
// relay.
type Client struct {
	conn    *websocket.Conn
	cfg     ClientConfig
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ ports.SignalingChannel = (*Client)(nil)

// Dial connects to the relay at cfg.URL, identifying as cfg.ParticipantID in
// cfg.SessionID.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	cfg = cfg.withDefaults()

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	q.Set("participant_id", string(cfg.ParticipantID))
	q.Set("session_id", string(cfg.SessionID))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(cfg.MaxMessageBytes)

	c := &Client{
		conn:    conn,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		logger:  logger.With("participant_id", cfg.ParticipantID, "session_id", cfg.SessionID),
		done:    make(chan struct{}),
	}
	go c.keepAlive()

	c.logger.Infow("signaling connected", "url", cfg.URL)
	return c, nil
}

func (c *Client) Send(ctx context.Context, msg domain.SignalMessage) error {
	if msg.SessionID == "" {
		msg.SessionID = c.cfg.SessionID
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return c.write(func() error { return c.conn.WriteJSON(msg) })
}

func (c *Client) write(fn func() error) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return fn()
}

// Listen delivers inbound messages to handler in arrival order until ctx is
// cancelled or the connection drops. Error frames from the relay and
// malformed messages are logged and skipped.
func (c *Client) Listen(ctx context.Context, handler ports.SignalHandler) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		var frame relayFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-c.done:
				return ErrChannelClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrChannelClosed
			}
			return fmt.Errorf("read signaling message: %w", err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if frame.Error != "" {
			c.logger.Warnw("relay rejected message", "error", frame.Error)
			continue
		}
		msg := frame.message()
		if err := msg.Validate(); err != nil {
			c.logger.Warnw("dropping malformed signaling message", "error", err)
			continue
		}
		handler(ctx, msg)
	}
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.write(func() error {
				return c.conn.WriteMessage(websocket.PingMessage, nil)
			})
			if err != nil {
				c.logger.Infow("signaling ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		close(c.done)
		err = c.conn.Close()
		c.logger.Infow("signaling disconnected")
	})
	return err
}
