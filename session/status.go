package session

// Status is the connection state the caller can observe.
type Status int

const (
	StatusClosed     Status = iota // no handle, or the last handle reported close
	StatusConnecting               // handle created, handshake in progress
	StatusOpen                     // handshake done, payloads flow
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "CLOSED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}
