package gep

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// soPriority is SO_PRIORITY (linux/sys/socket.h); golang.org/x/sys/unix
// does not export it on every platform, so it is named here explicitly.
const soPriority = 12

// SocketIO is a thin, mockable wrapper over the blocking/non-blocking
// socket primitives the protocol needs. Production code uses the
// unix-syscall-backed implementation returned by newSocketIO; tests can
// substitute a fake to inject failures without opening real sockets.
type SocketIO interface {
	// Socket creates a new TCP socket. Callers set it non-blocking
	// explicitly via SetNonBlocking once any other setup (bind, connect)
	// that benefits from blocking semantics is done.
	Socket() (fd int, err error)
	// Bind binds fd to the loopback address on port, 0 meaning ephemeral.
	Bind(fd int, port int) error
	// Listen marks fd as a listening socket with the given backlog.
	Listen(fd int, backlog int) error
	// Accept accepts one pending connection on the listening fd.
	Accept(fd int) (newFd int, err error)
	// Connect connects fd to the loopback address on port.
	Connect(fd int, port int) error
	// Recv performs a single non-blocking read into buf.
	Recv(fd int, buf []byte) (n int, err error)
	// FullSend writes buf in full or fails, honoring timeout. It returns
	// the number of bytes sent (== len(buf) on success, with a nil error)
	// and, on failure, the bytes sent so far with a non-nil error:
	// ErrSendTimeout when timeout elapses, ErrPeerClosed when the peer
	// shut down mid-write.
	FullSend(fd int, buf []byte, timeout time.Duration) (sent int, err error)
	// Select blocks until one of fds is readable or timeout elapses,
	// returning the subset that became ready.
	Select(fds []int, timeout time.Duration) (ready []int, err error)
	// SetNonBlocking puts fd into non-blocking mode.
	SetNonBlocking(fd int) error
	// SetNoDelay disables Nagle's algorithm on fd.
	SetNoDelay(fd int) error
	// SetReuseAddr sets SO_REUSEADDR on fd.
	SetReuseAddr(fd int) error
	// SetPriority sets SO_PRIORITY on fd.
	SetPriority(fd int, priority int) error
	// LocalPort returns the port fd is bound to.
	LocalPort(fd int) (port int, err error)
	// PeerAddr returns a human-readable address for fd's remote end, or
	// "unknown" if it cannot be determined.
	PeerAddr(fd int) string
	// Close closes fd.
	Close(fd int) error
}

type unixSocketIO struct{}

// newSocketIO returns the production SocketIO implementation, backed
// directly by unix sockets.
func newSocketIO() SocketIO { return unixSocketIO{} }

func loopbackSockaddr(port int) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
}

func (unixSocketIO) Socket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	return fd, nil
}

func (unixSocketIO) Bind(fd int, port int) error {
	if err := unix.Bind(fd, loopbackSockaddr(port)); err != nil {
		return errors.Wrap(err, "bind")
	}
	return nil
}

func (unixSocketIO) Listen(fd int, backlog int) error {
	if err := unix.Listen(fd, backlog); err != nil {
		return errors.Wrap(err, "listen")
	}
	return nil
}

func (unixSocketIO) Accept(fd int) (int, error) {
	newFd, _, err := unix.Accept(fd)
	if err != nil {
		return -1, errors.Wrap(err, "accept")
	}
	return newFd, nil
}

func (unixSocketIO) Connect(fd int, port int) error {
	if err := unix.Connect(fd, loopbackSockaddr(port)); err != nil {
		return errors.Wrap(err, "connect")
	}
	return nil
}

func (unixSocketIO) Recv(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, errors.Wrap(err, "recv")
	}
	return n, nil
}

func (s unixSocketIO) FullSend(fd int, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	sent := 0
	for sent < len(buf) {
		n, err := unix.Write(fd, buf[sent:])
		if err == nil {
			if n == 0 {
				return sent, ErrPeerClosed
			}
			sent += n
			continue
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return sent, errors.Wrap(err, "send")
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return sent, ErrSendTimeout
		}
		ready, err := s.selectWrite(fd, remaining)
		if err != nil {
			return sent, errors.Wrap(err, "send")
		}
		if !ready {
			return sent, ErrSendTimeout
		}
	}
	return sent, nil
}

func (unixSocketIO) selectWrite(fd int, timeout time.Duration) (bool, error) {
	var writeSet unix.FdSet
	fdSetAdd(&writeSet, fd)
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(fd+1, nil, &writeSet, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

func (unixSocketIO) Select(fds []int, timeout time.Duration) ([]int, error) {
	if len(fds) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}
	var readSet unix.FdSet
	maxFd := 0
	for _, fd := range fds {
		fdSetAdd(&readSet, fd)
		if fd > maxFd {
			maxFd = fd
		}
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	_, err := unix.Select(maxFd+1, &readSet, nil, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select")
	}
	ready := make([]int, 0, len(fds))
	for _, fd := range fds {
		if fdSetIsSet(&readSet, fd) {
			ready = append(ready, fd)
		}
	}
	return ready, nil
}

func (unixSocketIO) SetNonBlocking(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return errors.Wrap(err, "set non-blocking")
	}
	return nil
}

func (unixSocketIO) SetNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return errors.Wrap(err, "set no-delay")
	}
	return nil
}

func (unixSocketIO) SetReuseAddr(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return errors.Wrap(err, "set reuse-addr")
	}
	return nil
}

func (unixSocketIO) SetPriority(fd int, priority int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, soPriority, priority); err != nil {
		return errors.Wrap(err, "set priority")
	}
	return nil
}

func (unixSocketIO) LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, errors.Wrap(err, "getsockname")
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, errors.New("getsockname: unexpected address family")
	}
	return in4.Port, nil
}

func (unixSocketIO) PeerAddr(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "unknown"
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "unknown"
	}
	ip := net.IPv4(in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3])
	return net.JoinHostPort(ip.String(), strconv.Itoa(in4.Port))
}

func (unixSocketIO) Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return errors.Wrap(err, "close")
	}
	return nil
}

// fdSetAdd and fdSetIsSet implement the FD_SET/FD_ISSET bit-twiddling that
// golang.org/x/sys/unix leaves to callers on every platform it supports.
func fdSetAdd(set *unix.FdSet, fd int) {
	word := fd / 64
	bit := uint(fd % 64)
	set.Bits[word] |= 1 << bit
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	word := fd / 64
	bit := uint(fd % 64)
	return set.Bits[word]&(1<<bit) != 0
}

