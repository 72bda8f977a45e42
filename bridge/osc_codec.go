package bridge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/hypebeast/go-osc/osc"
)

// one decoded osc message
type OscMessage struct {
	Address string
	Args    []any
}

func EncodeOscMessage(address string, args []any) ([]byte, error) {
	message := osc.NewMessage(address)
	for _, arg := range args {
		oscArg, err := toOscArg(arg)
		if err != nil {
			return nil, err
		}
		message.Append(oscArg)
	}
	return message.MarshalBinary()
}

// decodes one osc packet. Bundles are flattened in element order.
// Blobs may be as large as the packet.
func DecodeOscPacket(b []byte) ([]*OscMessage, error) {
	messages := []*OscMessage{}
	if err := decodeOscPacket(b, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

const oscBundleTag = "#bundle"

func decodeOscPacket(b []byte, messages *[]*OscMessage) error {
	if len(b) == 0 {
		return fmt.Errorf("Empty packet.")
	}
	switch b[0] {
	case '/':
		message, err := decodeOscMessage(b)
		if err != nil {
			return err
		}
		*messages = append(*messages, message)
		return nil
	case '#':
		return decodeOscBundle(b, messages)
	default:
		return fmt.Errorf("Unknown packet start: %q", b[0])
	}
}

func decodeOscBundle(b []byte, messages *[]*OscMessage) error {
	reader := &oscReader{b: b}
	tag, err := reader.readString()
	if err != nil {
		return err
	}
	if tag != oscBundleTag {
		return fmt.Errorf("Bad bundle tag: %q", tag)
	}
	// timetag. Elements are delivered immediately.
	if _, err := reader.read(8); err != nil {
		return err
	}
	for !reader.done() {
		n, err := reader.readInt32()
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("Bad bundle element size: %d", n)
		}
		element, err := reader.read(int(n))
		if err != nil {
			return err
		}
		if err := decodeOscPacket(element, messages); err != nil {
			return err
		}
	}
	return nil
}

func decodeOscMessage(b []byte) (*OscMessage, error) {
	reader := &oscReader{b: b}
	address, err := reader.readString()
	if err != nil {
		return nil, err
	}
	message := &OscMessage{
		Address: address,
		Args:    []any{},
	}
	if reader.done() {
		// messages without a type tag string have no arguments
		return message, nil
	}
	typeTags, err := reader.readString()
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(typeTags, ",") {
		return nil, fmt.Errorf("Bad type tags: %q", typeTags)
	}
	for _, typeTag := range typeTags[1:] {
		var arg any
		switch typeTag {
		case 'i':
			arg, err = reader.readInt32()
		case 'h':
			arg, err = reader.readInt64()
		case 'f':
			var v int32
			v, err = reader.readInt32()
			arg = math.Float32frombits(uint32(v))
		case 'd':
			var v int64
			v, err = reader.readInt64()
			arg = math.Float64frombits(uint64(v))
		case 's', 'S':
			arg, err = reader.readString()
		case 'b':
			arg, err = reader.readBlob()
		case 't':
			var v int64
			v, err = reader.readInt64()
			arg = osc.NewTimetagFromTimetag(uint64(v))
		case 'T':
			arg = true
		case 'F':
			arg = false
		case 'N', 'I':
			arg = nil
		default:
			return nil, fmt.Errorf("Unsupported type tag: %q", typeTag)
		}
		if err != nil {
			return nil, err
		}
		message.Args = append(message.Args, arg)
	}
	return message, nil
}

// reads the 4 byte aligned osc primitives
type oscReader struct {
	b []byte
	i int
}

func (self *oscReader) done() bool {
	return len(self.b) <= self.i
}

func (self *oscReader) read(n int) ([]byte, error) {
	if n < 0 || len(self.b)-self.i < n {
		return nil, fmt.Errorf("Packet truncated at %d.", self.i)
	}
	v := self.b[self.i : self.i+n]
	self.i += n
	return v, nil
}

func (self *oscReader) pad() error {
	if r := self.i % 4; r != 0 {
		_, err := self.read(4 - r)
		return err
	}
	return nil
}

func (self *oscReader) readInt32() (int32, error) {
	v, err := self.read(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(v)), nil
}

func (self *oscReader) readInt64() (int64, error) {
	v, err := self.read(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func (self *oscReader) readString() (string, error) {
	end := bytes.IndexByte(self.b[self.i:], 0)
	if end < 0 {
		return "", fmt.Errorf("Unterminated string at %d.", self.i)
	}
	v := string(self.b[self.i : self.i+end])
	self.i += end + 1
	if err := self.pad(); err != nil {
		return "", err
	}
	return v, nil
}

func (self *oscReader) readBlob() ([]byte, error) {
	n, err := self.readInt32()
	if err != nil {
		return nil, err
	}
	v, err := self.read(int(n))
	if err != nil {
		return nil, err
	}
	if err := self.pad(); err != nil {
		return nil, err
	}
	blob := make([]byte, len(v))
	copy(blob, v)
	return blob, nil
}

// maps go values onto the osc argument types
// json numbers (float64) with an integral value become int32, other numbers float32
func toOscArg(arg any) (any, error) {
	switch v := arg.(type) {
	case nil, bool, string, []byte, int32, int64, float32:
		return v, nil
	case int:
		return narrowInt(int64(v)), nil
	case int8:
		return int32(v), nil
	case int16:
		return int32(v), nil
	case uint8:
		return int32(v), nil
	case uint16:
		return int32(v), nil
	case uint32:
		return narrowInt(int64(v)), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, fmt.Errorf("Argument out of range: %d", v)
		}
		return narrowInt(int64(v)), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("Argument out of range: %d", v)
		}
		return narrowInt(int64(v)), nil
	case float64:
		if v == math.Trunc(v) && math.MinInt32 <= v && v <= math.MaxInt32 {
			return int32(v), nil
		}
		return float32(v), nil
	default:
		return nil, fmt.Errorf("Unsupported argument type: %T", v)
	}
}

func narrowInt(v int64) any {
	if math.MinInt32 <= v && v <= math.MaxInt32 {
		return int32(v)
	}
	return v
}
