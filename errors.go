package gep

import "github.com/pkg/errors"

// Sentinel errors returned by the public API. Internal framing and I/O
// failures are wrapped around these with github.com/pkg/errors so callers
// can still match on the root cause with errors.Is/errors.Cause.
var (
	// ErrInvalidCodec is returned at construction time when no Codec is
	// supplied.
	ErrInvalidCodec = errors.New("gep: invalid codec")
	// ErrInvalidDispatchTable is returned at construction time when no
	// DispatchTable is supplied.
	ErrInvalidDispatchTable = errors.New("gep: invalid dispatch table")
	// ErrChannelClosed is returned by Send when the channel's socket is
	// absent.
	ErrChannelClosed = errors.New("gep: channel closed")
	// ErrSerialize is returned by Send when the codec fails to serialize
	// the outbound payload. The socket is never touched in this case.
	ErrSerialize = errors.New("gep: serialization failed")
	// ErrDeserialize is returned internally when the codec fails to decode
	// an inbound value; it always tears down the channel.
	ErrDeserialize = errors.New("gep: deserialization failed")
	// ErrPeerClosed indicates the remote end performed an orderly shutdown.
	ErrPeerClosed = errors.New("gep: peer closed connection")
	// ErrBadMagic indicates a frame header carried an unexpected magic
	// value; the channel is unrecoverable once this happens.
	ErrBadMagic = errors.New("gep: bad magic in frame header")
	// ErrFrameTooLarge indicates a frame's value length is at or beyond
	// MaxValueLen, so header plus value would reach MaxFrameLen.
	ErrFrameTooLarge = errors.New("gep: frame exceeds maximum size")
	// ErrRecvBufferFull indicates the receive buffer filled up without a
	// complete frame becoming available.
	ErrRecvBufferFull = errors.New("gep: receive buffer full")
	// ErrSendTimeout is returned by a full send that could not complete
	// within the configured send timeout.
	ErrSendTimeout = errors.New("gep: send timed out")
	// ErrTooManyChannels is returned by a server-side accept once the
	// configured channel cap has been reached.
	ErrTooManyChannels = errors.New("gep: too many channels")
	// ErrChannelNotFound is returned by Server.SendTo when no channel with
	// the given id is open.
	ErrChannelNotFound = errors.New("gep: channel not found")
)

// errWouldBlock is returned internally by SocketIO.Recv when a
// non-blocking read found nothing to read (EAGAIN/EWOULDBLOCK). It never
// escapes RecvData: a spurious readiness wakeup with no bytes available
// is not a failure, just nothing to do this tick.
var errWouldBlock = errors.New("gep: recv would block")
