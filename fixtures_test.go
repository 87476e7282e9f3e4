package gep

import (
	"encoding/json"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Test fixtures: a small message schema and a Codec that serializes it
// either as msgpack (binary mode) or JSON (text mode), mirroring the
// two-mode contract real Codecs are expected to honor.

var (
	tagCommand1 = MakeTag('c', 'm', 'd', '1')
	tagCommand2 = MakeTag('c', 'm', 'd', '2')
	tagCommand3 = MakeTag('c', 'm', 'd', '3')
	tagCommand4 = MakeTag('c', 'm', 'd', '4')
	tagControl  = MakeTag('c', 't', 'r', 'l')
	tagPing     = MakeTag('p', 'i', 'n', 'g')
)

type command1 struct {
	A uint64 `msgpack:"a" json:"a"`
	B uint32 `msgpack:"b" json:"b"`
}

type command2 struct{}

type command3 struct {
	ID int64 `msgpack:"id" json:"id"`
}

type command4 struct {
	ID int64 `msgpack:"id" json:"id"`
}

type controlCommand int

const (
	controlPing controlCommand = iota
	controlPong
)

type controlMessage struct {
	Command controlCommand `msgpack:"command" json:"command"`
}

type pingPayload struct {
	Seq int `msgpack:"seq" json:"seq"`
}

// testCodec implements Codec over the fixtures above, in either binary
// (msgpack) or text (JSON) mode.
type testCodec struct {
	mode Mode
}

func newBinaryTestCodec() *testCodec { return &testCodec{mode: ModeBinary} }
func newTextTestCodec() *testCodec   { return &testCodec{mode: ModeText} }

func (c *testCodec) Mode() Mode { return c.mode }

func (c *testCodec) Serialize(payload Payload) ([]byte, bool) {
	var data []byte
	var err error
	if c.mode == ModeText {
		data, err = json.Marshal(payload)
	} else {
		data, err = msgpack.Marshal(payload)
	}
	return data, err == nil
}

func (c *testCodec) Deserialize(data []byte, payload Payload) bool {
	if len(data) == 0 {
		if v := reflect.ValueOf(payload); v.Kind() == reflect.Pointer && !v.IsNil() {
			v.Elem().Set(reflect.Zero(v.Elem().Type()))
		}
		return true
	}
	if c.mode == ModeText {
		return json.Unmarshal(data, payload) == nil
	}
	return msgpack.Unmarshal(data, payload) == nil
}

func (c *testCodec) TagOf(payload Payload) Tag {
	switch payload.(type) {
	case *command1:
		return tagCommand1
	case *command2:
		return tagCommand2
	case *command3:
		return tagCommand3
	case *command4:
		return tagCommand4
	case *controlMessage:
		return tagControl
	case *pingPayload:
		return tagPing
	default:
		return 0
	}
}

func (c *testCodec) NewMessage(tag Tag) (Payload, bool) {
	switch tag {
	case tagCommand1:
		return &command1{}, true
	case tagCommand2:
		return &command2{}, true
	case tagCommand3:
		return &command3{}, true
	case tagCommand4:
		return &command4{}, true
	case tagControl:
		return &controlMessage{}, true
	case tagPing:
		return &pingPayload{}, true
	default:
		return nil, false
	}
}

// failCodec lets tests force a serialization or deserialization failure.
type failCodec struct {
	*testCodec
	failSerialize   bool
	failDeserialize bool
}

func (c *failCodec) Serialize(payload Payload) ([]byte, bool) {
	if c.failSerialize {
		return nil, false
	}
	return c.testCodec.Serialize(payload)
}

func (c *failCodec) Deserialize(data []byte, payload Payload) bool {
	if c.failDeserialize {
		return false
	}
	return c.testCodec.Deserialize(data, payload)
}
