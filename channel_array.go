package gep

import (
	"sync"

	"github.com/pkg/errors"
)

// ChannelArray is the server-side set of Channels: it owns the listening
// socket, accepts new connections into fresh Channels, and fans sends out
// to one or all of them. Membership changes are guarded by mu; each
// Channel additionally guards its own socket independently, so the
// service loop can drop mu before running a handler and a handler that
// calls back into Broadcast or Unicast never deadlocks.
type ChannelArray struct {
	name     string
	cfg      *config
	codec    Codec
	dispatch DispatchTable
	context  any
	io       SocketIO

	addClient func(id int)
	delClient func(id int)

	mu       sync.Mutex
	channels []*Channel
	lastID   int
	listenFD int
}

func newChannelArray(name string, cfg *config, codec Codec, dispatch DispatchTable, userCtx any) *ChannelArray {
	return &ChannelArray{
		name:      name,
		cfg:       cfg,
		codec:     codec,
		dispatch:  dispatch,
		context:   userCtx,
		io:        cfg.socketIO,
		addClient: cfg.addClient,
		delClient: cfg.delClient,
		listenFD:  -1,
	}
}

// OpenListen creates, binds and listens on the endpoint's configured
// port, with a backlog of 4, matching the original protocol's constant.
// If the configured port is 0, the OS-assigned port is read back and
// stored on the shared config so Server.Port reports it correctly.
func (ca *ChannelArray) OpenListen() error {
	const backlog = 4

	fd, err := ca.io.Socket()
	if err != nil {
		return err
	}
	if err := ca.io.SetReuseAddr(fd); err != nil {
		_ = ca.io.Close(fd)
		return err
	}
	if err := ca.io.SetNonBlocking(fd); err != nil {
		_ = ca.io.Close(fd)
		return err
	}
	if err := ca.io.SetNoDelay(fd); err != nil {
		_ = ca.io.Close(fd)
		return err
	}
	_ = ca.io.SetPriority(fd, 4)

	if err := ca.io.Bind(fd, ca.cfg.port); err != nil {
		_ = ca.io.Close(fd)
		return err
	}
	if err := ca.io.Listen(fd, backlog); err != nil {
		_ = ca.io.Close(fd)
		return err
	}

	if ca.cfg.port == 0 {
		port, err := ca.io.LocalPort(fd)
		if err != nil {
			_ = ca.io.Close(fd)
			return err
		}
		ca.cfg.port = port
	}

	ca.mu.Lock()
	ca.listenFD = fd
	ca.mu.Unlock()
	ca.cfg.logger.Debug("opened listening socket", "name", ca.name, "fd", fd, "port", ca.cfg.port)
	return nil
}

// ListenFD returns the listening socket descriptor, or -1 if not open.
func (ca *ChannelArray) ListenFD() int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.listenFD
}

// AcceptOne accepts one pending connection on the listening socket and
// adds it as a new Channel.
func (ca *ChannelArray) AcceptOne() error {
	listenFD := ca.ListenFD()
	if listenFD < 0 {
		return errors.New("gep: listening socket not open")
	}
	newFD, err := ca.io.Accept(listenFD)
	if err != nil {
		return err
	}
	if err := ca.io.SetNonBlocking(newFD); err != nil {
		_ = ca.io.Close(newFD)
		return err
	}
	if err := ca.io.SetNoDelay(newFD); err != nil {
		_ = ca.io.Close(newFD)
		return err
	}
	_ = ca.io.SetPriority(newFD, 4)

	ca.cfg.logger.Debug("accepted connection", "name", ca.name, "peer", ca.io.PeerAddr(newFD), "fd", newFD)
	return ca.add(newFD)
}

func (ca *ChannelArray) add(fd int) error {
	ca.mu.Lock()
	if len(ca.channels) >= ca.cfg.maxChannels {
		ca.mu.Unlock()
		_ = ca.io.Close(fd)
		return ErrTooManyChannels
	}
	id := ca.lastID
	ca.lastID++
	ch := newChannel(id, ca.name, ca.cfg, ca.codec, ca.dispatch, ca.context, fd)
	ca.channels = append(ca.channels, ch)
	ca.mu.Unlock()

	ca.cfg.logger.Debug("added channel", "name", ca.name, "id", id, "fd", fd)
	ca.cfg.metrics.channelOpened()
	ca.addClient(id)
	return nil
}

// Broadcast sends payload to every currently open channel, continuing
// past individual failures. It returns an error if any channel's send
// failed.
func (ca *ChannelArray) Broadcast(payload Payload) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	var failed error
	for _, ch := range ca.channels {
		if !ch.IsOpen() {
			continue
		}
		if err := ch.Send(payload); err != nil {
			failed = err
		}
	}
	return failed
}

// Unicast sends payload to the single channel with the given id.
func (ca *ChannelArray) Unicast(payload Payload, id int) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	for _, ch := range ca.channels {
		if ch.ID() == id && ch.IsOpen() {
			return ch.Send(payload)
		}
	}
	return ErrChannelNotFound
}

// Size returns the number of channels currently tracked, open or not.
func (ca *ChannelArray) Size() int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return len(ca.channels)
}

// ReadFDs returns every open channel's socket, for the service loop to
// union with the listening socket before calling Select.
func (ca *ChannelArray) ReadFDs() []int {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	fds := make([]int, 0, len(ca.channels))
	for _, ch := range ca.channels {
		if fd := ch.socketFD(); fd >= 0 {
			fds = append(fds, fd)
		}
	}
	return fds
}

// DispatchReads looks, under the membership lock, for the first channel
// whose socket appears in ready; it then releases the lock before
// calling that channel's RecvData, so a handler invoked from within it
// may call Broadcast or Unicast without deadlocking. On a receive
// failure the channel is closed and removed, firing DelClient.
//
// Only one ready channel is processed per call by design: it keeps the
// lock-held window bounded and the channel slice stable across the
// erase that a failed recv may trigger. Channels are scanned in
// membership order, so a channel that is ready on every tick is served
// ahead of any ready channel behind it.
func (ca *ChannelArray) DispatchReads(ready map[int]bool) {
	if len(ready) == 0 {
		return
	}

	ca.mu.Lock()
	var target *Channel
	for _, ch := range ca.channels {
		if fd := ch.socketFD(); fd >= 0 && ready[fd] {
			target = ch
			break
		}
	}
	ca.mu.Unlock()

	if target == nil {
		return
	}
	if err := target.RecvData(); err != nil {
		ca.remove(target.ID())
	}
}

func (ca *ChannelArray) remove(id int) {
	ca.mu.Lock()
	idx := -1
	for i, ch := range ca.channels {
		if ch.ID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		ca.mu.Unlock()
		return
	}
	ch := ca.channels[idx]
	ca.channels = append(ca.channels[:idx], ca.channels[idx+1:]...)
	ca.mu.Unlock()

	_ = ch.Close()
	ca.cfg.logger.Debug("removed channel", "name", ca.name, "id", id)
	ca.delClient(id)
}

// Stop closes the listening socket, closes and removes every channel
// (firing DelClient for each), in that order.
func (ca *ChannelArray) Stop() {
	ca.mu.Lock()
	if ca.listenFD >= 0 {
		_ = ca.io.Close(ca.listenFD)
		ca.listenFD = -1
	}
	channels := ca.channels
	ca.channels = nil
	ca.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
		ca.delClient(ch.ID())
	}
}
