// Package traitstest builds observe frames for tests.
package traitstest

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"nestobserve/internal/traits"
)

// State is one trait to place in a frame. Value is the trait's JSON
// rendering and Type its full message name.
type State struct {
	ObjectID string
	Key      string
	Type     string
	Value    string
}

// Frame encodes a StreamBody frame holding one message with states as
// its get entries.
func Frame(tb testing.TB, codec *traits.Codec, states ...State) []byte {
	tb.Helper()

	var msg []byte
	for _, s := range states {
		url := traits.TypeURL(s.Type)
		value, err := codec.Encode(url, []byte(s.Value))
		if err != nil {
			tb.Fatalf("encode %s: %v", s.Type, err)
		}
		msg = protowire.AppendTag(msg, 3, protowire.BytesType)
		msg = protowire.AppendBytes(msg, traitState(s.ObjectID, s.Key, url, value))
	}
	return MessageFrame(msg)
}

// RawFrame encodes a frame with one trait whose payload is value as is.
func RawFrame(objectID, key, typeURL string, value []byte) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, 3, protowire.BytesType)
	msg = protowire.AppendBytes(msg, traitState(objectID, key, typeURL, value))
	return MessageFrame(msg)
}

// MessageFrame wraps an encoded NestMessage as a StreamBody frame.
func MessageFrame(nestMessage []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, nestMessage)
}

// StatusFrame encodes a StreamBody frame carrying only a status block.
func StatusFrame(code int32, message string) []byte {
	var status []byte
	status = protowire.AppendTag(status, 1, protowire.VarintType)
	status = protowire.AppendVarint(status, uint64(code))
	if message != "" {
		status = protowire.AppendTag(status, 2, protowire.BytesType)
		status = protowire.AppendString(status, message)
	}

	var b []byte
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, status)
}

func traitState(objectID, key, typeURL string, value []byte) []byte {
	var object []byte
	object = protowire.AppendTag(object, 1, protowire.BytesType)
	object = protowire.AppendString(object, objectID)
	object = protowire.AppendTag(object, 2, protowire.BytesType)
	object = protowire.AppendString(object, key)

	var anyMsg []byte
	anyMsg = protowire.AppendTag(anyMsg, 1, protowire.BytesType)
	anyMsg = protowire.AppendString(anyMsg, typeURL)
	anyMsg = protowire.AppendTag(anyMsg, 2, protowire.BytesType)
	anyMsg = protowire.AppendBytes(anyMsg, value)

	var data []byte
	data = protowire.AppendTag(data, 1, protowire.BytesType)
	data = protowire.AppendBytes(data, anyMsg)

	var state []byte
	state = protowire.AppendTag(state, 1, protowire.BytesType)
	state = protowire.AppendBytes(state, object)
	state = protowire.AppendTag(state, 2, protowire.BytesType)
	return protowire.AppendBytes(state, data)
}
