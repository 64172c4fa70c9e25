package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"

	"go.uber.org/zap"
)

var ErrAlreadyConnected = errors.New("already connected to a room")

// ChannelDialer opens a signaling channel to a room.
type ChannelDialer func(ctx context.Context, target domain.RoomTarget) (ports.SignalingChannel, error)

// RoomHooks bind the media session to the room connection. Joined runs
// after the channel is up, Leaving before it is closed.
type RoomHooks struct {
	Joined  func(ctx context.Context, room domain.RoomAddress) error
	Leaving func(ctx context.Context) error
}

// RoomClient connects the local participant to one room at a time. It is
// also the signal sender of the connection manager, so outbound messages
// always go to the room currently joined.
type RoomClient struct {
	dial    ChannelDialer
	handler ports.SignalHandler
	hooks   RoomHooks
	logger  *zap.SugaredLogger

	mu         sync.Mutex
	channel    ports.SignalingChannel
	room       domain.RoomAddress
	stopListen context.CancelFunc
	listenDone chan struct{}
}

var (
	_ ports.RoomConnector = (*RoomClient)(nil)
	_ ports.SignalSender  = (*RoomClient)(nil)
)

func NewRoomClient(dial ChannelDialer, hooks RoomHooks, logger *zap.SugaredLogger) *RoomClient {
	return &RoomClient{dial: dial, hooks: hooks, logger: logger}
}

// SetHandler sets where inbound messages go. It takes effect on the next
// Connect.
func (c *RoomClient) SetHandler(handler ports.SignalHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *RoomClient) Connect(ctx context.Context, target domain.RoomTarget) error {
	c.mu.Lock()
	if c.channel != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, c.room.RoomID)
	}
	handler := c.handler
	c.mu.Unlock()

	channel, err := c.dial(ctx, target)
	if err != nil {
		return fmt.Errorf("connect to room %s: %w", target.Room.RoomID, err)
	}

	// the listener outlives the connect call
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if handler == nil {
			handler = func(context.Context, domain.SignalMessage) {}
		}
		if err := channel.Listen(lctx, handler); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrChannelClosed) {
			c.logger.Warnw("signaling listener stopped", "room_id", target.Room.RoomID, "error", err)
		}
	}()

	c.mu.Lock()
	c.channel, c.room, c.stopListen, c.listenDone = channel, target.Room, cancel, done
	c.mu.Unlock()

	if c.hooks.Joined != nil {
		if err := c.hooks.Joined(ctx, target.Room); err != nil {
			c.close()
			return fmt.Errorf("join room %s: %w", target.Room.RoomID, err)
		}
	}

	c.logger.Infow("room connected", "room_id", target.Room.RoomID, "room_name", target.Room.Name)
	return nil
}

// Disconnect leaves the current room. It is a no-op when not connected.
func (c *RoomClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	connected := c.channel != nil
	room := c.room
	c.mu.Unlock()
	if !connected {
		return nil
	}

	var leaveErr error
	if c.hooks.Leaving != nil {
		if err := c.hooks.Leaving(ctx); err != nil && !errors.Is(err, domain.ErrNotJoined) {
			leaveErr = fmt.Errorf("leave room %s: %w", room.RoomID, err)
		}
	}
	closeErr := c.close()

	c.logger.Infow("room disconnected", "room_id", room.RoomID)
	return errors.Join(leaveErr, closeErr)
}

func (c *RoomClient) close() error {
	c.mu.Lock()
	channel, cancel, done := c.channel, c.stopListen, c.listenDone
	c.channel, c.room, c.stopListen, c.listenDone = nil, domain.RoomAddress{}, nil, nil
	c.mu.Unlock()

	if channel == nil {
		return nil
	}
	cancel()
	err := channel.Close()
	<-done
	return err
}

func (c *RoomClient) Send(ctx context.Context, msg domain.SignalMessage) error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return ErrChannelClosed
	}
	return channel.Send(ctx, msg)
}

// Room returns the room currently connected, if any.
func (c *RoomClient) Room() (domain.RoomAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.channel != nil
}
