package main

import (
	"encoding/json"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/gepproto/gep"
)

// A tiny message schema used by this example: four numbered commands
// and a control message, enough to demonstrate request/response and
// broadcast-from-handler without pulling in a real schema compiler.

var (
	tagCommand1 = gep.MakeTag('c', 'm', 'd', '1')
	tagCommand2 = gep.MakeTag('c', 'm', 'd', '2')
	tagCommand3 = gep.MakeTag('c', 'm', 'd', '3')
	tagCommand4 = gep.MakeTag('c', 'm', 'd', '4')
	tagControl  = gep.MakeTag('c', 't', 'r', 'l')
)

type Command1 struct {
	A uint64 `msgpack:"a" json:"a"`
	B uint32 `msgpack:"b" json:"b"`
}

type Command2 struct{}

type Command3 struct {
	ID int64 `msgpack:"id" json:"id"`
}

type Command4 struct {
	ID int64 `msgpack:"id" json:"id"`
}

type ControlCommand int

const (
	CommandPing ControlCommand = iota
	CommandPong
)

type ControlMessage struct {
	Command ControlCommand `msgpack:"command" json:"command"`
}

// msgpackCodec serializes the schema above with msgpack in binary mode,
// or JSON in text mode. Pass --text on the command line to exercise the
// text path instead.
type msgpackCodec struct {
	mode gep.Mode
}

func newCodec(text bool) *msgpackCodec {
	if text {
		return &msgpackCodec{mode: gep.ModeText}
	}
	return &msgpackCodec{mode: gep.ModeBinary}
}

func (c *msgpackCodec) Mode() gep.Mode { return c.mode }

func (c *msgpackCodec) Serialize(payload gep.Payload) ([]byte, bool) {
	var data []byte
	var err error
	if c.mode == gep.ModeText {
		data, err = json.Marshal(payload)
	} else {
		data, err = msgpack.Marshal(payload)
	}
	return data, err == nil
}

func (c *msgpackCodec) Deserialize(data []byte, payload gep.Payload) bool {
	if len(data) == 0 {
		if v := reflect.ValueOf(payload); v.Kind() == reflect.Pointer && !v.IsNil() {
			v.Elem().Set(reflect.Zero(v.Elem().Type()))
		}
		return true
	}
	if c.mode == gep.ModeText {
		return json.Unmarshal(data, payload) == nil
	}
	return msgpack.Unmarshal(data, payload) == nil
}

func (c *msgpackCodec) TagOf(payload gep.Payload) gep.Tag {
	switch payload.(type) {
	case *Command1:
		return tagCommand1
	case *Command2:
		return tagCommand2
	case *Command3:
		return tagCommand3
	case *Command4:
		return tagCommand4
	case *ControlMessage:
		return tagControl
	default:
		return 0
	}
}

func (c *msgpackCodec) NewMessage(tag gep.Tag) (gep.Payload, bool) {
	switch tag {
	case tagCommand1:
		return &Command1{}, true
	case tagCommand2:
		return &Command2{}, true
	case tagCommand3:
		return &Command3{}, true
	case tagCommand4:
		return &Command4{}, true
	case tagControl:
		return &ControlMessage{}, true
	default:
		return nil, false
	}
}
