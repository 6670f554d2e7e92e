package domain

// ConnectionState is the externally visible state of the pub/sub connection.
type ConnectionState int

const (
	// ConnectionDisconnected indicates no live subscription.
	ConnectionDisconnected ConnectionState = iota
	// ConnectionConnecting indicates a subscribe attempt is in progress.
	ConnectionConnecting
	// ConnectionConnected indicates the subscription is live.
	ConnectionConnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	default:
		return "disconnected"
	}
}
