package gep

import (
	"sync"

	"github.com/pkg/errors"
)

// Channel is one full-duplex framed TCP connection. It owns a receive
// buffer, a socket handle guarded by its own lock, and read-only
// references to the endpoint's codec and dispatch table. A Channel with
// no socket is closed; it discards or rejects all I/O until explicitly
// reopened.
//
// RecvData is meant to be called only from the owning endpoint's single
// service goroutine. Send may be called concurrently from any number of
// goroutines; sends are serialized on mu so that a frame's header and
// value always land on the wire back to back.
type Channel struct {
	id       int
	name     string
	cfg      *config
	codec    Codec
	dispatch DispatchTable
	context  any
	io       SocketIO

	mu sync.Mutex // guards fd; held for the recv syscall and for a whole send
	fd int

	buf []byte
	len int
}

func newChannel(id int, name string, cfg *config, codec Codec, dispatch DispatchTable, userCtx any, fd int) *Channel {
	return &Channel{
		id:       id,
		name:     name,
		cfg:      cfg,
		codec:    codec,
		dispatch: dispatch,
		context:  userCtx,
		io:       cfg.socketIO,
		fd:       fd,
		buf:      make([]byte, MaxFrameLen),
	}
}

// ID returns the channel's id, unique within its owning endpoint.
func (ch *Channel) ID() int { return ch.id }

// Context returns the user context the owning endpoint was constructed
// with.
func (ch *Channel) Context() any { return ch.context }

// IsOpen reports whether the channel currently has a live socket.
func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.fd >= 0
}

func (ch *Channel) socketFD() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.fd
}

// OpenClient creates a fresh socket and connects it to the loopback
// address configured on the endpoint, storing the result as this
// channel's socket.
func (ch *Channel) OpenClient() error {
	fd, err := ch.io.Socket()
	if err != nil {
		ch.cfg.logger.Error("cannot open client socket", "channel", ch.name, "error", err)
		return err
	}
	if err := ch.io.Connect(fd, ch.cfg.port); err != nil {
		ch.cfg.logger.Error("cannot connect client socket", "channel", ch.name, "fd", fd, "error", err)
		_ = ch.io.Close(fd)
		return err
	}
	if err := ch.io.SetNonBlocking(fd); err != nil {
		_ = ch.io.Close(fd)
		return err
	}
	if err := ch.io.SetNoDelay(fd); err != nil {
		_ = ch.io.Close(fd)
		return err
	}

	ch.mu.Lock()
	ch.fd = fd
	ch.len = 0
	ch.mu.Unlock()
	ch.cfg.logger.Debug("opened client socket", "channel", ch.name, "fd", fd)
	ch.cfg.metrics.channelOpened()
	return nil
}

// Close closes the channel's socket, if any, and clears its receive
// buffer. It is safe to call on an already-closed channel.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.fd < 0 {
		return ErrChannelClosed
	}
	err := ch.io.Close(ch.fd)
	ch.cfg.logger.Debug("closed socket", "channel", ch.name, "id", ch.id, "fd", ch.fd)
	ch.fd = -1
	ch.len = 0
	ch.cfg.metrics.channelClosed()
	return err
}

// Send serializes payload with the endpoint's codec and writes it to the
// socket as a single frame, header and value back to back. A
// serialization failure never touches the socket.
func (ch *Channel) Send(payload Payload) error {
	data, ok := ch.codec.Serialize(payload)
	if !ok {
		return ErrSerialize
	}
	if len(data) >= MaxValueLen {
		return ErrFrameTooLarge
	}
	tag := ch.codec.TagOf(payload)

	frame := make([]byte, HeaderLen+len(data))
	WriteHeader(ch.cfg.magic, tag, uint32(len(data)), frame)
	copy(frame[HeaderLen:], data)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.fd < 0 {
		return ErrChannelClosed
	}
	sent, err := ch.io.FullSend(ch.fd, frame, ch.cfg.sendTimeout)
	if err != nil {
		ch.cfg.logger.Debug("send failed", "channel", ch.name, "id", ch.id, "tag", tag, "error", err)
		ch.cfg.metrics.sendError()
		return err
	}
	if sent != len(frame) {
		ch.cfg.metrics.sendError()
		return errors.Errorf("gep: short send on channel %d: %d/%d bytes", ch.id, sent, len(frame))
	}
	ch.cfg.metrics.frameSent()
	return nil
}

// RecvData performs one non-blocking read, appends whatever arrived to
// the receive buffer, and extracts and dispatches as many complete
// frames as are available. It returns ErrPeerClosed if the remote end
// performed an orderly shutdown, or any other non-nil error for an
// unrecoverable condition (bad magic, oversized length, a full buffer, or
// a recv failure); both are treated identically by callers: the channel
// must be torn down.
func (ch *Channel) RecvData() error {
	ch.mu.Lock()
	fd := ch.fd
	if fd < 0 {
		ch.mu.Unlock()
		return errors.New("gep: recv on a closed channel")
	}
	if ch.len >= len(ch.buf) {
		ch.mu.Unlock()
		ch.cfg.logger.Error("receive buffer full", "channel", ch.name, "id", ch.id)
		return ErrRecvBufferFull
	}
	n, err := ch.io.Recv(fd, ch.buf[ch.len:])
	ch.mu.Unlock()
	if err == errWouldBlock {
		return nil
	}
	if err != nil {
		ch.cfg.logger.Error("recv failed", "channel", ch.name, "id", ch.id, "error", err)
		return err
	}
	if n == 0 {
		ch.cfg.logger.Debug("peer closed socket", "channel", ch.name, "id", ch.id)
		return ErrPeerClosed
	}
	ch.len += n
	return ch.scan()
}

// scan consumes as many complete frames as are present at the front of
// the receive buffer, dispatching each to its handler, and shifts any
// leftover bytes to the front. It implements the CMD_OK / CMD_FRAGMENTED
// / CMD_ERROR / CMD_DROPPED state machine: a bad magic or oversized
// length is fatal and clears the buffer; an unsupported tag drops only
// that one frame and keeps going.
func (ch *Channel) scan() error {
	for ch.len >= HeaderLen {
		tag, valueLen, ok := ScanHeader(ch.buf[:ch.len], ch.cfg.magic)
		if !ok {
			ch.len = 0
			return ErrBadMagic
		}
		if valueLen >= MaxValueLen {
			ch.len = 0
			return ErrFrameTooLarge
		}

		msgLen := HeaderLen + int(valueLen)
		if ch.len < msgLen {
			// fragmented: wait for the rest, nothing consumed.
			return nil
		}

		value := ch.buf[HeaderLen:msgLen]
		if err := ch.dispatchFrame(tag, value); err != nil {
			ch.len = 0
			return err
		}

		remain := ch.len - msgLen
		if remain > 0 {
			copy(ch.buf, ch.buf[msgLen:ch.len])
		}
		ch.len = remain
	}
	return nil
}

func (ch *Channel) dispatchFrame(tag Tag, value []byte) error {
	handler, ok := ch.dispatch[tag]
	if !ok {
		ch.cfg.logger.Warn("dropping frame with unsupported tag", "channel", ch.name, "id", ch.id, "tag", tag.String())
		ch.cfg.metrics.frameDropped()
		return nil
	}

	payload, ok := ch.codec.NewMessage(tag)
	if !ok {
		return errors.Errorf("gep: no message type registered for tag %s", tag)
	}
	if !ch.codec.Deserialize(value, payload) {
		ch.cfg.logger.Warn("unpackable message", "channel", ch.name, "id", ch.id, "tag", tag.String())
		return ErrDeserialize
	}
	ch.cfg.metrics.frameReceived()

	if ret := handler(payload, ch); ret < 0 {
		ch.cfg.logger.Warn("handler returned error", "channel", ch.name, "id", ch.id, "tag", tag.String(), "code", ret)
	}
	return nil
}
