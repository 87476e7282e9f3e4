package gep

import (
	"testing"
	"time"
)

// newTestConfig returns a config with short timeouts, suitable for fast
// loopback tests that don't want to wait out the production defaults.
func newTestConfig(opts ...Option) *config {
	cfg := newConfig()
	cfg.selectTimeout = 50 * time.Millisecond
	cfg.sendTimeout = 200 * time.Millisecond
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// newConnectedChannels opens a real loopback TCP connection and wraps each
// end in a Channel, bypassing Client/Server so Channel behavior can be
// tested in isolation.
func newConnectedChannels(t *testing.T, cfg *config, codec Codec, serverDispatch, clientDispatch DispatchTable) (serverCh, clientCh *Channel) {
	t.Helper()
	io := cfg.socketIO

	lfd, err := io.Socket()
	if err != nil {
		t.Fatalf("listen socket: %v", err)
	}
	if err := io.SetReuseAddr(lfd); err != nil {
		t.Fatalf("set reuse addr: %v", err)
	}
	if err := io.SetNonBlocking(lfd); err != nil {
		t.Fatalf("set non-blocking: %v", err)
	}
	if err := io.Bind(lfd, 0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := io.Listen(lfd, 1); err != nil {
		t.Fatalf("listen: %v", err)
	}
	port, err := io.LocalPort(lfd)
	if err != nil {
		t.Fatalf("local port: %v", err)
	}

	cfd, err := io.Socket()
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	if err := io.Connect(cfd, port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := io.SetNonBlocking(cfd); err != nil {
		t.Fatalf("client set non-blocking: %v", err)
	}
	if err := io.SetNoDelay(cfd); err != nil {
		t.Fatalf("client set no-delay: %v", err)
	}

	sfd, err := io.Accept(lfd)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := io.SetNonBlocking(sfd); err != nil {
		t.Fatalf("server set non-blocking: %v", err)
	}
	if err := io.SetNoDelay(sfd); err != nil {
		t.Fatalf("server set no-delay: %v", err)
	}
	_ = io.Close(lfd)

	serverCh = newChannel(0, "server", cfg, codec, serverDispatch, nil, sfd)
	clientCh = newChannel(1, "client", cfg, codec, clientDispatch, nil, cfd)
	t.Cleanup(func() {
		_ = serverCh.Close()
		_ = clientCh.Close()
	})
	return serverCh, clientCh
}

// waitFor polls cond every tick until it returns true or timeout elapses,
// failing the test on timeout.
func waitFor(t *testing.T, timeout, tick time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(tick)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}
