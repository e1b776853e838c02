package reconnect

// NoticeKind classifies a Notice.
type NoticeKind int

const (
	NoticeState NoticeKind = iota
	NoticeAttempt
	NoticePhase
	NoticeFailure
	NoticeConnected
	NoticeDisconnected
	NoticeHeartbeatTimeout
	NoticeDisabled
	NoticeStarted
	NoticeStopped
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeState:
		return "state"
	case NoticeAttempt:
		return "attempt"
	case NoticePhase:
		return "phase"
	case NoticeFailure:
		return "failure"
	case NoticeConnected:
		return "connected"
	case NoticeDisconnected:
		return "disconnected"
	case NoticeHeartbeatTimeout:
		return "heartbeat-timeout"
	case NoticeDisabled:
		return "disabled"
	case NoticeStarted:
		return "started"
	case NoticeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Notice reports a change the user may want to see. Text is for display.
type Notice struct {
	Kind    NoticeKind
	State   State
	Attempt int
	Phase   Phase
	Err     error
	Text    string
}
