package gep

// HandlerFunc is invoked once per successfully decoded inbound payload. It
// receives the payload and the Channel it arrived on, so implementations
// can recover the channel id (Channel.ID) and the endpoint-supplied user
// context (Channel.Context). A negative return value is logged as a
// callback error; it never tears down the channel.
type HandlerFunc func(payload Payload, ch *Channel) int

// DispatchTable is an immutable tag-to-handler mapping supplied at
// endpoint construction and shared, read-only, by every Channel of that
// endpoint. Because it is never mutated after construction, lookups need
// no locking.
type DispatchTable map[Tag]HandlerFunc
