package gep

import (
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
)

// Client is a single outbound Channel plus the service goroutine that
// connects it, drives its readiness loop, and reconnects on failure.
type Client struct {
	name    string
	cfg     *config
	channel *Channel
	tasks   *taskgroup.Group

	running        atomic.Bool
	reconnectCount atomic.Int64
	stopCh         chan struct{}
}

// NewClient constructs a Client bound to a single remote Server. codec
// and dispatch must be non-nil; userCtx is handed to every handler
// invocation by way of Channel.Context.
func NewClient(name string, userCtx any, codec Codec, dispatch DispatchTable, opts ...Option) (*Client, error) {
	if codec == nil {
		return nil, ErrInvalidCodec
	}
	if dispatch == nil {
		return nil, ErrInvalidDispatchTable
	}

	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Client{
		name: name,
		cfg:  cfg,
	}
	c.channel = newChannel(0, name, cfg, codec, dispatch, userCtx, -1)
	return c, nil
}

// Channel returns the client's single Channel.
func (c *Client) Channel() *Channel { return c.channel }

// ReconnectCount reports how many times the client has reconnected since
// the last Start (Stop resets it to zero).
func (c *Client) ReconnectCount() int { return int(c.reconnectCount.Load()) }

// Running reports whether the service goroutine is currently active.
func (c *Client) Running() bool { return c.running.Load() }

// Port returns the configured server port.
func (c *Client) Port() int { return c.cfg.port }

// Start connects the client's channel and launches the service
// goroutine. It returns an error, without starting a goroutine, if the
// initial connect fails.
func (c *Client) Start() error {
	if err := c.channel.OpenClient(); err != nil {
		c.cfg.logger.Error("cannot open server socket", "name", c.name, "error", err)
		return err
	}

	c.running.Store(true)
	c.stopCh = make(chan struct{})
	c.tasks = taskgroup.New(nil)
	c.tasks.Go(c.serviceLoop)
	c.cfg.logger.Warn("thread started", "name", c.name)
	return nil
}

// Stop halts the service goroutine, closes the channel, and resets the
// reconnect counter.
func (c *Client) Stop() {
	c.cfg.logger.Warn("kill thread", "name", c.name)
	c.running.Store(false)
	if c.stopCh != nil {
		close(c.stopCh)
	}
	if c.tasks != nil {
		_ = c.tasks.Wait()
	}
	_ = c.channel.Close()
	c.reconnectCount.Store(0)
}

// Send serializes and writes payload on the client's channel.
func (c *Client) Send(payload Payload) error {
	return c.channel.Send(payload)
}

func (c *Client) serviceLoop() error {
	for c.running.Load() {
		if !c.channel.IsOpen() {
			c.reconnect()
			continue
		}

		fd := c.channel.socketFD()
		ready, err := c.cfg.socketIO.Select([]int{fd}, c.cfg.selectTimeout)
		if err != nil {
			c.cfg.logger.Error("service socket select error", "name", c.name, "error", err)
			break
		}
		if !c.running.Load() {
			break
		}

		for _, readyFD := range ready {
			if readyFD == fd {
				if err := c.channel.RecvData(); err != nil {
					c.cfg.logger.Warn("connection reset by peer", "name", c.name, "error", err)
					_ = c.channel.Close()
				}
			}
		}
	}
	c.running.Store(false)
	c.cfg.logger.Warn("thread exiting", "name", c.name)
	return nil
}

func (c *Client) reconnect() {
	c.cfg.logger.Warn("reconnecting to server socket", "name", c.name)
	if err := c.channel.OpenClient(); err != nil {
		c.cfg.logger.Error("cannot open server socket", "name", c.name, "error", err)
		select {
		case <-time.After(reconnectBackoff):
		case <-c.stopCh:
		}
		return
	}
	c.cfg.logger.Warn("reconnected", "name", c.name)
	c.reconnectCount.Add(1)
	c.cfg.metrics.reconnected()
}
