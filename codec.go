package gep

// Payload is an opaque structured record carried in a frame's value
// region. The core never inspects a Payload; it only round-trips it
// through a Codec.
type Payload interface{}

// Mode selects between a Codec's text and binary representations. Both
// peers of a Channel must agree on the mode out of band; the protocol
// itself never negotiates it.
type Mode int

const (
	// ModeBinary is always supported by a conforming Codec.
	ModeBinary Mode = iota
	// ModeText may be unavailable in a lightweight Codec build.
	ModeText
)

func (m Mode) String() string {
	switch m {
	case ModeBinary:
		return "binary"
	case ModeText:
		return "text"
	default:
		return "unknown"
	}
}

// Codec serializes and deserializes Payloads and maps them to/from Tags.
// It is the one component of this package that is deliberately left
// abstract: any schema-based encoder that supports the operations below
// suffices. The core never calls a Codec method while holding a Channel's
// socket lock; ChannelArray.Broadcast and Unicast do hold the membership
// lock while Channel.Send calls Serialize.
type Codec interface {
	// Serialize encodes payload to bytes. A false ok signals an encoder
	// failure; the caller must not touch the socket when this happens.
	Serialize(payload Payload) (data []byte, ok bool)
	// Deserialize decodes data into payload. An empty data must leave
	// payload cleared and return ok=true.
	Deserialize(data []byte, payload Payload) (ok bool)
	// TagOf returns the wire tag for an outbound payload.
	TagOf(payload Payload) Tag
	// NewMessage constructs a fresh, empty payload for an inbound tag. The
	// second return value is false when the tag is not recognized.
	NewMessage(tag Tag) (payload Payload, ok bool)
	// Mode reports whether this Codec instance serializes as text or
	// binary. Both peers must be configured with the same mode.
	Mode() Mode
}
