package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the write operations of the state machine.
type CommandType uint8

const (
	CommandTPush     CommandType = iota // Merge pushed documents.
	CommandTLeaseCAS                    // Conditionally replace a lease.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTPush:
		return "Push"
	case CommandTLeaseCAS:
		return "LeaseCAS"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// headerSize is Type + ExpectedTerm + KeyLen.
const headerSize = 1 + 8 + 4

// Command is a single entry in the raft log.
type Command struct {
	Type         CommandType
	ExpectedTerm uint64
	Key          string
	Payload      []byte
}

// SizeBytes returns the exact number of bytes needed to serialize the command.
func (c *Command) SizeBytes() int {
	return headerSize + len(c.Key) + len(c.Payload)
}

// Serialize encodes the command (see package doc for the layout).
func (c *Command) Serialize() []byte {
	out := make([]byte, c.SizeBytes())
	out[0] = byte(c.Type)
	binary.BigEndian.PutUint64(out[1:9], c.ExpectedTerm)
	binary.BigEndian.PutUint32(out[9:13], uint32(len(c.Key)))
	copy(out[headerSize:], c.Key)
	copy(out[headerSize+len(c.Key):], c.Payload)
	return out
}

// Deserialize decodes a command written by Serialize.
func (c *Command) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for command")
	}
	c.Type = CommandType(data[0])
	c.ExpectedTerm = binary.BigEndian.Uint64(data[1:9])
	keyLen := int(binary.BigEndian.Uint32(data[9:13]))
	if len(data) < headerSize+keyLen {
		return fmt.Errorf("data too short for key of length %d", keyLen)
	}
	c.Key = string(data[headerSize : headerSize+keyLen])
	if rest := data[headerSize+keyLen:]; len(rest) > 0 {
		c.Payload = append(c.Payload[:0], rest...)
	} else {
		c.Payload = nil
	}
	return nil
}
