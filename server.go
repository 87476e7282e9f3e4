package gep

import (
	"sync/atomic"

	"github.com/creachadair/taskgroup"
)

// Server is a ChannelArray plus the service goroutine that accepts new
// connections and drives every channel's readiness loop.
type Server struct {
	name    string
	cfg     *config
	array   *ChannelArray
	tasks   *taskgroup.Group
	running atomic.Bool
}

// NewServer constructs a Server able to hold up to WithMaxChannels
// concurrent clients (32 by default). codec and dispatch must be
// non-nil and are shared, read-only, by every accepted channel.
func NewServer(name string, userCtx any, codec Codec, dispatch DispatchTable, opts ...Option) (*Server, error) {
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

	s := &Server{
		name: name,
		cfg:  cfg,
	}
	s.array = newChannelArray(name, cfg, codec, dispatch, userCtx)
	return s, nil
}

// Channels returns the server's channel set.
func (s *Server) Channels() *ChannelArray { return s.array }

// NumClients returns how many channels are currently tracked.
func (s *Server) NumClients() int { return s.array.Size() }

// Port returns the port the server is, or will be, listening on. If
// constructed with WithPort(0), this only reports the OS-assigned value
// after a successful Start.
func (s *Server) Port() int { return s.cfg.port }

// Start opens the listening socket and launches the service goroutine.
func (s *Server) Start() error {
	if err := s.array.OpenListen(); err != nil {
		return err
	}

	s.running.Store(true)
	s.tasks = taskgroup.New(nil)
	s.tasks.Go(s.serviceLoop)
	s.cfg.logger.Warn("thread started", "name", s.name)
	return nil
}

// Stop halts the service goroutine, then closes the listening socket and
// every channel, firing DelClient for each.
func (s *Server) Stop() {
	s.cfg.logger.Warn("kill thread", "name", s.name)
	s.running.Store(false)
	if s.tasks != nil {
		_ = s.tasks.Wait()
	}
	s.array.Stop()
}

// Send broadcasts payload to every open channel.
func (s *Server) Send(payload Payload) error {
	return s.array.Broadcast(payload)
}

// SendTo unicasts payload to the channel with the given id.
func (s *Server) SendTo(payload Payload, id int) error {
	return s.array.Unicast(payload, id)
}

func (s *Server) serviceLoop() error {
	listenFD := s.array.ListenFD()
	if listenFD < 0 {
		s.cfg.logger.Error("invalid server socket", "name", s.name)
		return nil
	}

	for s.running.Load() {
		fds := append([]int{listenFD}, s.array.ReadFDs()...)

		ready, err := s.cfg.socketIO.Select(fds, s.cfg.selectTimeout)
		if err != nil {
			s.cfg.logger.Error("service socket select error", "name", s.name, "error", err)
			break
		}
		if !s.running.Load() {
			break
		}

		readySet := make(map[int]bool, len(ready))
		listenReady := false
		for _, fd := range ready {
			if fd == listenFD {
				listenReady = true
				continue
			}
			readySet[fd] = true
		}

		s.array.DispatchReads(readySet)

		if !s.running.Load() {
			break
		}
		if listenReady {
			if err := s.array.AcceptOne(); err != nil && err != ErrTooManyChannels {
				s.cfg.logger.Error("accept failed", "name", s.name, "error", err)
				break
			}
		}
	}
	s.cfg.logger.Warn("thread exiting", "name", s.name)
	return nil
}
