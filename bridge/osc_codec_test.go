package bridge

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOscCodecArgs(t *testing.T) {
	blob := []byte{0, 1, 2, 3, 4}
	b, err := EncodeOscMessage("/a/b", []any{
		1,
		int64(1) << 40,
		1.0,
		1.5,
		"hi",
		blob,
		true,
		false,
		nil,
	})
	assert.Equal(t, err, nil)
	// osc packets are 4 byte aligned
	assert.Equal(t, len(b)%4, 0)

	messages, err := DecodeOscPacket(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
	message := messages[0]
	assert.Equal(t, message.Address, "/a/b")
	assert.Equal(t, len(message.Args), 9)
	assert.Equal(t, message.Args[0], int32(1))
	assert.Equal(t, message.Args[1], int64(1)<<40)
	assert.Equal(t, message.Args[2], int32(1))
	assert.Equal(t, message.Args[3], float32(1.5))
	assert.Equal(t, message.Args[4], "hi")
	assert.Equal(t, message.Args[5], blob)
	assert.Equal(t, message.Args[6], true)
	assert.Equal(t, message.Args[7], false)
	assert.Equal(t, message.Args[8], nil)
}

func TestOscCodecNoArgs(t *testing.T) {
	b, err := EncodeOscMessage("/", []any{})
	assert.Equal(t, err, nil)
	messages, err := DecodeOscPacket(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Address, "/")
	assert.Equal(t, len(messages[0].Args), 0)
}

func TestOscCodecLargeBlob(t *testing.T) {
	blob := make([]byte, 256*1024+3)
	for i := range blob {
		blob[i] = byte(i % 251)
	}
	b, err := EncodeOscMessage("/blob", []any{blob})
	assert.Equal(t, err, nil)

	messages, err := DecodeOscPacket(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, bytes.Equal(messages[0].Args[0].([]byte), blob), true)
}

func TestOscCodecBundle(t *testing.T) {
	a, err := EncodeOscMessage("/a", []any{1})
	assert.Equal(t, err, nil)
	b, err := EncodeOscMessage("/b", []any{"x"})
	assert.Equal(t, err, nil)

	bundle := []byte("#bundle\x00")
	// immediate timetag
	bundle = binary.BigEndian.AppendUint64(bundle, 1)
	for _, element := range [][]byte{a, b} {
		bundle = binary.BigEndian.AppendUint32(bundle, uint32(len(element)))
		bundle = append(bundle, element...)
	}

	messages, err := DecodeOscPacket(bundle)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 2)
	assert.Equal(t, messages[0].Address, "/a")
	assert.Equal(t, messages[0].Args, []any{int32(1)})
	assert.Equal(t, messages[1].Address, "/b")
	assert.Equal(t, messages[1].Args, []any{"x"})
}

func TestOscCodecErrors(t *testing.T) {
	_, err := EncodeOscMessage("/a", []any{struct{}{}})
	assert.NotEqual(t, err, nil)

	_, err = DecodeOscPacket([]byte{})
	assert.NotEqual(t, err, nil)

	_, err = DecodeOscPacket([]byte("nope"))
	assert.NotEqual(t, err, nil)

	b, err := EncodeOscMessage("/a", []any{int32(7)})
	assert.Equal(t, err, nil)
	_, err = DecodeOscPacket(b[:len(b)-2])
	assert.NotEqual(t, err, nil)
}
