package tunnel

import "github.com/gorilla/websocket"

// CloseReason is the terminal outcome of a session, surfaced to the client
// as a WebSocket close code plus reason text. Quota and account rejections
// map to policy violations (1008); protocol and relay failures map to
// internal errors (1011).
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonNormal
	ReasonProtocolError
	ReasonUnknownAccount
	ReasonExpired
	ReasonTrafficExceeded
	ReasonIPLimitExceeded
	ReasonUpstreamUnreachable
	ReasonIOError
	ReasonStoreUnavailable
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNormal:
		return "normal"
	case ReasonProtocolError:
		return "protocol error"
	case ReasonUnknownAccount:
		return "unknown account"
	case ReasonExpired:
		return "account expired"
	case ReasonTrafficExceeded:
		return "traffic quota exceeded"
	case ReasonIPLimitExceeded:
		return "ip limit exceeded"
	case ReasonUpstreamUnreachable:
		return "upstream unreachable"
	case ReasonIOError:
		return "io error"
	case ReasonStoreUnavailable:
		return "store unavailable"
	case ReasonShutdown:
		return "server shutdown"
	default:
		return "unknown"
	}
}

// CloseCode maps the reason to its WebSocket close code.
func (r CloseReason) CloseCode() int {
	switch r {
	case ReasonNormal, ReasonNone:
		return websocket.CloseNormalClosure
	case ReasonUnknownAccount, ReasonExpired, ReasonTrafficExceeded, ReasonIPLimitExceeded:
		return websocket.ClosePolicyViolation
	case ReasonShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseInternalServerErr
	}
}
