package model

// SessionState is the lifecycle position of one connection.
type SessionState int

const (
	StateUnjoined   SessionState = iota // connected, no username bound
	StateJoined                         // username bound, commands accepted
	StateTerminated                     // disconnected or kicked; absorbing
)

func (s SessionState) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
