package serializer

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// ErrEmptyMessage is returned when a zero-length payload is decoded.
var ErrEmptyMessage = errors.New("empty message")

// IRPCSerializer encodes Messages for the wire. Client and server must use the
// same serializer.
type IRPCSerializer interface {
	// Name is the value of the --serializer flag selecting this serializer
	Name() string
	// Serialize encodes msg
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg. A payload that decodes to a message
	// without a known type is an error.
	Deserialize(b []byte, msg *common.Message) error
}

// ByName returns the serializer registered under name (json, gob).
func ByName(name string) (IRPCSerializer, error) {
	switch name {
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %q (expected json or gob)", name)
	}
}

// checkDecoded validates a decoded message
func checkDecoded(name string, msg *common.Message) error {
	if msg.MsgType == common.MsgTUnknown {
		return fmt.Errorf("%s: message without type", name)
	}
	return nil
}
