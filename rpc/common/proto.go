package common

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/lib/model"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Replica fields
	Documents  []model.Document `json:"documents,omitempty"`  // Used for: Push (request), Pull (response)
	Since      uint64           `json:"since,omitempty"`      // Used for: Pull (request)
	Limit      int              `json:"limit,omitempty"`      // Used for: Pull (request)
	Checkpoint uint64           `json:"checkpoint,omitempty"` // Used for: Pull (response)
	More       bool             `json:"more,omitempty"`       // Used for: Pull (response)
	Accepted   []string         `json:"accepted,omitempty"`   // Used for: Push (response)
	Rejected   []string         `json:"rejected,omitempty"`   // Used for: Push (response)

	// Lease fields
	Key          string        `json:"key,omitempty"`          // Used for: LeaseLoad, LeaseCAS
	ExpectedTerm uint64        `json:"expectedTerm,omitempty"` // Used for: LeaseCAS (request)
	Lease        *leader.Lease `json:"lease,omitempty"`        // Used for: LeaseCAS (request), LeaseLoad (response)

	// Response only fields
	Ok   bool    `json:"ok,omitempty"`   // Used for: Probe, LeaseLoad, LeaseCAS responses
	Err  string  `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message
	Code ErrCode `json:"code,omitempty"` // Class of Err, see ErrCode
}

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

// ErrCode carries the class of a server side error over the wire, so the
// client can restore the model error taxonomy.
type ErrCode uint8

const (
	ErrCodeNone          ErrCode = iota
	ErrCodeTransient             // retry on the next pass
	ErrCodeUnrecoverable         // retrying cannot fix it
	ErrCodeInvalid               // malformed request
)

// CodeOf classifies err for the wire. Errors outside the unrecoverable
// classes are reported as transient.
func CodeOf(err error) ErrCode {
	switch {
	case err == nil:
		return ErrCodeNone
	case errors.Is(err, model.ErrRemoteUnrecoverable), errors.Is(err, model.ErrStoreCorrupt):
		return ErrCodeUnrecoverable
	default:
		return ErrCodeTransient
	}
}

// AsError converts the error fields of a response back into an error
// wrapping the matching model error.
func (m *Message) AsError() error {
	if m.Err == "" && m.MsgType != MsgTError {
		return nil
	}
	switch m.Code {
	case ErrCodeTransient:
		return fmt.Errorf("%w: %s", model.ErrTransientIO, m.Err)
	case ErrCodeUnrecoverable, ErrCodeInvalid:
		return fmt.Errorf("%w: %s", model.ErrRemoteUnrecoverable, m.Err)
	default:
		return fmt.Errorf("%w: %s", model.ErrTransientIO, m.Err)
	}
}

func withErr(msg *Message, err error) *Message {
	if err != nil {
		msg.Err = err.Error()
		msg.Code = CodeOf(err)
	}
	return msg
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewPushRequest creates a new Push request
func NewPushRequest(docs []model.Document) *Message {
	return &Message{
		MsgType:   MsgTPush,
		Documents: docs,
	}
}

// NewPushResponse creates a new Push response
func NewPushResponse(accepted, rejected []string, err error) *Message {
	return withErr(&Message{
		MsgType:  MsgTPush,
		Accepted: accepted,
		Rejected: rejected,
	}, err)
}

// NewPullRequest creates a new Pull request
func NewPullRequest(since uint64, limit int) *Message {
	return &Message{
		MsgType: MsgTPull,
		Since:   since,
		Limit:   limit,
	}
}

// NewPullResponse creates a new Pull response
func NewPullResponse(docs []model.Document, checkpoint uint64, more bool, err error) *Message {
	return withErr(&Message{
		MsgType:    MsgTPull,
		Documents:  docs,
		Checkpoint: checkpoint,
		More:       more,
	}, err)
}

// NewProbeRequest creates a new Probe request
func NewProbeRequest() *Message {
	return &Message{MsgType: MsgTProbe}
}

// NewProbeResponse creates a new Probe response
func NewProbeResponse(reachable bool, err error) *Message {
	return withErr(&Message{
		MsgType: MsgTProbe,
		Ok:      reachable,
	}, err)
}

// NewLeaseLoadRequest creates a new LeaseLoad request
func NewLeaseLoadRequest(key string) *Message {
	return &Message{
		MsgType: MsgTLeaseLoad,
		Key:     key,
	}
}

// NewLeaseLoadResponse creates a new LeaseLoad response
func NewLeaseLoadResponse(lease leader.Lease, found bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTLeaseLoad,
		Ok:      found,
	}
	if found {
		msg.Lease = &lease
	}
	return withErr(msg, err)
}

// NewLeaseCASRequest creates a new LeaseCAS request
func NewLeaseCASRequest(key string, expectedTerm uint64, next leader.Lease) *Message {
	return &Message{
		MsgType:      MsgTLeaseCAS,
		Key:          key,
		ExpectedTerm: expectedTerm,
		Lease:        &next,
	}
}

// NewLeaseCASResponse creates a new LeaseCAS response
func NewLeaseCASResponse(swapped bool, err error) *Message {
	return withErr(&Message{
		MsgType: MsgTLeaseCAS,
		Ok:      swapped,
	}, err)
}

// NewErrorResponse creates a new error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
		Code:    ErrCodeInvalid,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

var messageTypeNames = map[MessageType]string{
	MsgTSuccess:   "success",
	MsgTError:     "error",
	MsgTPush:      "push",
	MsgTPull:      "pull",
	MsgTProbe:     "probe",
	MsgTLeaseLoad: "leaseLoad",
	MsgTLeaseCAS:  "leaseCas",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range messageTypeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// IReplica operations

	MsgTPush  // Push leaf revisions
	MsgTPull  // Pull changes since a checkpoint
	MsgTProbe // Check reachability

	// ILeaseStore operations

	MsgTLeaseLoad // Load a lease record
	MsgTLeaseCAS  // Conditionally replace a lease record
)
