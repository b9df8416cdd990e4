package internal

// QueryType defines the read-only lookups of the state machine.
type QueryType uint8

const (
	QueryTPull      QueryType = iota // Documents changed since a checkpoint.
	QueryTLeaseLoad                  // The current lease of a key.
)

func (q QueryType) String() string {
	switch q {
	case QueryTPull:
		return "Pull"
	case QueryTLeaseLoad:
		return "LeaseLoad"
	default:
		return "Unknown"
	}
}

// Query is a lookup passed to SyncRead or StaleRead.
type Query struct {
	Type  QueryType
	Key   string
	Since uint64
	Limit int
}
