// Package gep implements a small, embeddable wire protocol for exchanging
// typed structured messages between two peers over a reliable TCP
// connection.
//
// A peer is either a Client, which owns a single outbound Channel and
// reconnects on failure, or a Server, which accepts many inbound Channels
// through a ChannelArray. Every message carries a four-byte tag that keys
// a per-endpoint DispatchTable; payload encoding itself is delegated to a
// user-supplied Codec.
//
// Each endpoint drives its Channels from exactly one service goroutine
// built around a readiness loop over non-blocking sockets (see SocketIO),
// so the package never spawns a goroutine per connection. Any number of
// other goroutines may call Send, Broadcast or Unicast concurrently.
package gep
