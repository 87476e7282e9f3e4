package gep

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// writeRaw writes b directly to the channel's socket, bypassing Send and
// its codec, to simulate a peer emitting malformed or adversarial frames.
func writeRaw(t *testing.T, ch *Channel, b []byte) {
	t.Helper()
	if _, err := unix.Write(ch.socketFD(), b); err != nil {
		t.Fatalf("write raw bytes: %v", err)
	}
}

// serverSideChannel waits for exactly one channel to be tracked by the
// server's array and returns it.
func serverSideChannel(t *testing.T, server *Server) *Channel {
	t.Helper()
	var ch *Channel
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool {
		chans := channelsOf(server)
		if len(chans) != 1 {
			return false
		}
		ch = chans[0]
		return true
	})
	return ch
}

func newEndToEndPair(t *testing.T, serverDispatch, clientDispatch DispatchTable, opts ...Option) (*Server, *Client) {
	t.Helper()
	codec := newBinaryTestCodec()

	server, err := NewServer("e2e-server", nil, codec, serverDispatch,
		append([]Option{WithPort(0), WithSelectTimeout(20 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	t.Cleanup(server.Stop)

	client, err := NewClient("e2e-client", nil, codec, clientDispatch,
		append([]Option{WithPort(server.Port()), WithSelectTimeout(20 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	t.Cleanup(client.Stop)

	serverSideChannel(t, server)
	return server, client
}

func TestEndToEnd(t *testing.T) {
	var gotCommand1 *command1
	serverDispatch := DispatchTable{
		tagCommand1: func(payload Payload, ch *Channel) int {
			gotCommand1 = payload.(*command1)
			return 0
		},
	}
	var gotCommand3 *command3
	clientDispatch := DispatchTable{
		tagCommand3: func(payload Payload, ch *Channel) int {
			gotCommand3 = payload.(*command3)
			return 0
		},
	}

	server, client := newEndToEndPair(t, serverDispatch, clientDispatch)

	if err := client.Send(&command1{A: 0xAAAAAAAAAAAAAAAA, B: 0xBBBBBBBB}); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool { return gotCommand1 != nil })
	if gotCommand1.A != 0xAAAAAAAAAAAAAAAA || gotCommand1.B != 0xBBBBBBBB {
		t.Errorf("server got %+v", gotCommand1)
	}

	if err := server.Send(&command3{ID: 123456789}); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool { return gotCommand3 != nil })
	if gotCommand3.ID != 123456789 {
		t.Errorf("client got %+v", gotCommand3)
	}

	if client.ReconnectCount() != 0 {
		t.Errorf("ReconnectCount() = %d, want 0", client.ReconnectCount())
	}
}

func TestEndToEndClientReconnectOnGarbageData(t *testing.T) {
	// tagCommand3 must have a handler registered on the client, or the
	// frame takes the CMD_DROPPED path instead of ever reaching
	// Deserialize.
	clientDispatch := DispatchTable{
		tagCommand3: func(payload Payload, ch *Channel) int { return 0 },
	}
	server, client := newEndToEndPair(t, DispatchTable{}, clientDispatch)

	serverCh := serverSideChannel(t, server)
	writeRaw(t, serverCh, []byte("geppcmd3\x00\x00\x00\x01x"))

	waitFor(t, 6*time.Second, 10*time.Millisecond, func() bool {
		return client.ReconnectCount() >= 1
	})
	waitFor(t, 6*time.Second, 10*time.Millisecond, func() bool {
		return client.Channel().IsOpen()
	})
}

func TestEndToEndClientReconnectOnHugeMessageData(t *testing.T) {
	var gotCommand3 *command3
	clientDispatch := DispatchTable{
		tagCommand3: func(payload Payload, ch *Channel) int {
			gotCommand3 = payload.(*command3)
			return 0
		},
	}
	server, client := newEndToEndPair(t, DispatchTable{}, clientDispatch)

	serverCh := serverSideChannel(t, server)
	writeRaw(t, serverCh, []byte("geppcmd3\xff\xff\xff\xffyy"))

	waitFor(t, 6*time.Second, 10*time.Millisecond, func() bool {
		return client.ReconnectCount() >= 1
	})
	waitFor(t, 6*time.Second, 10*time.Millisecond, func() bool {
		return client.Channel().IsOpen()
	})

	if err := server.Send(&command3{ID: 42}); err != nil {
		t.Fatalf("server Send after reconnect: %v", err)
	}
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool { return gotCommand3 != nil })
	if gotCommand3.ID != 42 {
		t.Errorf("client got %+v after reconnect, want ID 42", gotCommand3)
	}
}

func TestEndToEndDropUnsupportedMessage(t *testing.T) {
	var gotLegit bool
	serverDispatch := DispatchTable{
		tagCommand2: func(payload Payload, ch *Channel) int {
			gotLegit = true
			return 0
		},
	}
	server, client := newEndToEndPair(t, serverDispatch, DispatchTable{})

	serverCh := serverSideChannel(t, server)
	writeRaw(t, serverCh, []byte("geppxyza\x00\x00\x00\x01x"))

	if err := client.Send(&command2{}); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool { return gotLegit })

	if client.ReconnectCount() != 0 {
		t.Errorf("ReconnectCount() = %d, want 0", client.ReconnectCount())
	}
}

func TestEndToEndFragmentation(t *testing.T) {
	var count int
	serverDispatch := DispatchTable{
		tagCommand4: func(payload Payload, ch *Channel) int {
			count++
			return 0
		},
	}
	_, client := newEndToEndPair(t, serverDispatch, DispatchTable{})
	clientCh := client.Channel()

	cfg := newTestConfig()
	unsupported := make([]byte, HeaderLen+1)
	WriteHeader(cfg.magic, MakeTag('x', 'y', 'z', 'a'), 1, unsupported)
	unsupported[HeaderLen] = 'x'

	data, ok := newBinaryTestCodec().Serialize(&command4{ID: 123456789})
	if !ok {
		t.Fatalf("serialize command4")
	}
	frame := make([]byte, HeaderLen+len(data))
	WriteHeader(cfg.magic, tagCommand4, uint32(len(data)), frame)
	copy(frame[HeaderLen:], data)

	burst := append([]byte(nil), unsupported...)
	for i := 0; i < 10; i++ {
		burst = append(burst, frame...)
	}
	writeRaw(t, clientCh, burst)

	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return count == 10
	})
}

func TestEndToEndCallbackDeadlock(t *testing.T) {
	done := make(chan struct{}, 1)
	var server *Server
	serverDispatch := DispatchTable{
		tagPing: func(payload Payload, ch *Channel) int {
			// server.Send broadcasts through ChannelArray.Broadcast, which
			// re-acquires the array's membership lock. This handler runs
			// from inside ChannelArray.DispatchReads, which must have
			// already released that same lock before calling RecvData, or
			// this call deadlocks the service goroutine against itself.
			if err := server.Send(&pingPayload{Seq: payload.(*pingPayload).Seq}); err != nil {
				return -1
			}
			return 0
		},
	}
	clientDispatch := DispatchTable{
		tagPing: func(payload Payload, ch *Channel) int {
			select {
			case done <- struct{}{}:
			default:
			}
			return 0
		},
	}

	var client *Client
	server, client = newEndToEndPair(t, serverDispatch, clientDispatch)

	if err := client.Send(&pingPayload{Seq: 1}); err != nil {
		t.Fatalf("client Send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("ping/pong round trip did not complete within 6s; suspect a deadlock")
	}
}

func TestEndToEndDifferentMagic(t *testing.T) {
	var gotCommand1 *command1
	serverDispatch := DispatchTable{
		tagCommand1: func(payload Payload, ch *Channel) int {
			gotCommand1 = payload.(*command1)
			return 0
		},
	}
	magic := MakeTag('r', 'f', 'l', 'a')
	_, client := newEndToEndPair(t, serverDispatch, DispatchTable{}, WithMagic(uint32(magic)))

	if err := client.Send(&command1{A: 1, B: 2}); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool { return gotCommand1 != nil })

	if client.ReconnectCount() != 0 {
		t.Errorf("ReconnectCount() = %d, want 0", client.ReconnectCount())
	}
}
