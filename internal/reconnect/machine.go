// Package reconnect keeps a bridge consumer attached to the backend. It
// notices when the bridge goes away, checks that the backend is reachable
// and that the login is still valid, asks for a fresh upgrade handshake and
// reopens the socket, spacing attempts on a fixed tick schedule and giving up
// after a ceiling until the user intervenes.
package reconnect

import (
	"fmt"
	"time"
)

// State is the automaton's position.
type State int

const (
	StateDisabled State = iota
	StateIdle
	StateChecking
	StateAuthPending
	StateUpgrading
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateAuthPending:
		return "auth-pending"
	case StateUpgrading:
		return "upgrading"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Phase is a step of the reconnection sequence.
type Phase int

const (
	PhaseReachability Phase = iota + 1
	PhaseAuthorization
	PhaseHandshake
	PhaseUpgrade
)

func (p Phase) String() string {
	switch p {
	case PhaseReachability:
		return "reachability"
	case PhaseAuthorization:
		return "authorization"
	case PhaseHandshake:
		return "handshake"
	case PhaseUpgrade:
		return "upgrade"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// state a phase puts the automaton in
func (p Phase) state() State {
	switch p {
	case PhaseHandshake:
		return StateAuthPending
	case PhaseUpgrade:
		return StateUpgrading
	default:
		return StateChecking
	}
}

// Action tells the owner of a Machine what to do after an input.
type Action int

const (
	ActionNone Action = iota
	// ActionConnect starts the reconnection sequence.
	ActionConnect
	// ActionDisconnect drops the current transport.
	ActionDisconnect
)

// Config holds the retry schedule and timeouts.
type Config struct {
	// Schedule holds, per attempt index, how many idle ticks must pass
	// before the attempt fires. The last entry repeats.
	Schedule []int
	// MaxAttempts is the number of automatic attempts before giving up.
	MaxAttempts int
	// TickPeriod is the supervision tick.
	TickPeriod time.Duration
	// UpgradeDelay separates the handshake request from the upgrade.
	UpgradeDelay time.Duration
	// ProbeTimeout bounds each network step of the sequence.
	ProbeTimeout time.Duration
	// HeartbeatTicks is how many ticks may pass without inbound traffic
	// before a connected transport is considered dead. Zero disables it.
	HeartbeatTicks int
	// StartDisabled leaves automatic reconnection off until Start.
	StartDisabled bool
	// StatusLogSize bounds the status text history in bytes.
	StatusLogSize int
}

// DefaultConfig returns the schedule browsers of the bridge have always used:
// the first retry fires on the next tick, the second after five idle ticks,
// every later one after fifteen, and the eleventh failure stops retrying.
func DefaultConfig() Config {
	return Config{
		Schedule:       []int{0, 5, 15},
		MaxAttempts:    11,
		TickPeriod:     time.Second,
		UpgradeDelay:   100 * time.Millisecond,
		ProbeTimeout:   10 * time.Second,
		HeartbeatTicks: 15,
		StatusLogSize:  8 * 1024,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if len(c.Schedule) == 0 {
		c.Schedule = def.Schedule
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.TickPeriod <= 0 {
		c.TickPeriod = def.TickPeriod
	}
	if c.UpgradeDelay < 0 {
		c.UpgradeDelay = 0
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.HeartbeatTicks < 0 {
		c.HeartbeatTicks = 0
	}
	if c.StatusLogSize <= 0 {
		c.StatusLogSize = def.StatusLogSize
	}
}

// Threshold returns the idle ticks that must pass before attempt index n fires.
func (c Config) Threshold(n int) int {
	if n >= len(c.Schedule) {
		return c.Schedule[len(c.Schedule)-1]
	}
	return c.Schedule[n]
}

// Snapshot is a copy of the automaton's counters and flags.
type Snapshot struct {
	State      State `json:"state"`
	Attempt    int   `json:"attempt"`
	Tick       int   `json:"tick"`
	Enabled    bool  `json:"enabled"`
	Connecting bool  `json:"connecting"`
	Connected  bool  `json:"connected"`
}

// Machine is the reconnect automaton. It does no I/O: inputs are method
// calls, outputs are returned Actions and Notices sent to observers.
// A Machine is not safe for concurrent use; one goroutine owns it.
type Machine struct {
	cfg Config

	state      State
	attempt    int
	tick       int
	enabled    bool
	connecting bool
	connected  bool
	silent     int

	observers []func(Notice)
}

// NewMachine returns a disconnected Machine.
func NewMachine(cfg Config) *Machine {
	cfg.setDefaults()
	m := &Machine{
		cfg:     cfg,
		state:   StateIdle,
		enabled: !cfg.StartDisabled,
	}
	if !m.enabled {
		m.state = StateDisabled
	}
	return m
}

// Observe registers fn to receive every notice.
func (m *Machine) Observe(fn func(Notice)) {
	m.observers = append(m.observers, fn)
}

// Config returns the effective configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// Snapshot returns the current counters and flags.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:      m.state,
		Attempt:    m.attempt,
		Tick:       m.tick,
		Enabled:    m.enabled,
		Connecting: m.connecting,
		Connected:  m.connected,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Tick advances the schedule by one period.
func (m *Machine) Tick() Action {
	if m.connected {
		if m.cfg.HeartbeatTicks == 0 {
			return ActionNone
		}
		m.silent++
		if m.silent > m.cfg.HeartbeatTicks {
			m.silent = 0
			m.emit(Notice{Kind: NoticeHeartbeatTimeout, Text: "Bridge heartbeat timed out, closing socket"})
			return ActionDisconnect
		}
		return ActionNone
	}
	if !m.enabled || m.connecting {
		return ActionNone
	}

	m.tick++
	if m.attempt >= m.cfg.MaxAttempts {
		m.disable()
		return ActionNone
	}
	if m.tick > m.cfg.Threshold(m.attempt) {
		m.fire()
		return ActionConnect
	}
	return ActionNone
}

// Frame records inbound traffic on the connected transport.
func (m *Machine) Frame() {
	m.silent = 0
}

// PhaseReached records that the sequence entered phase p.
func (m *Machine) PhaseReached(p Phase) {
	if !m.connecting {
		return
	}
	m.setState(p.state())
	m.emit(Notice{Kind: NoticePhase, Phase: p, Text: phaseText(p)})
}

// SequenceFailed ends the running sequence. The attempt already charged for
// it stands; the next one waits for the schedule.
func (m *Machine) SequenceFailed(p Phase, err error) {
	if !m.connecting {
		return
	}
	m.connecting = false
	m.emit(Notice{Kind: NoticeFailure, Phase: p, Err: err, Text: fmt.Sprintf("Reconnect %s failed: %v", p, err)})
	if m.enabled {
		m.setState(StateIdle)
	} else {
		m.setState(StateDisabled)
	}
}

// Opened records that the transport is open.
func (m *Machine) Opened() {
	m.connecting = false
	m.connected = true
	m.attempt = 0
	m.tick = 0
	m.silent = 0
	m.setState(StateConnected)
	m.emit(Notice{Kind: NoticeConnected, Text: "Bridge connected"})
}

// Closed records that the transport closed or failed.
func (m *Machine) Closed(err error) {
	if !m.connected {
		return
	}
	m.connected = false
	m.silent = 0
	m.emit(Notice{Kind: NoticeDisconnected, Err: err, Text: "Bridge disconnected"})
	if m.enabled {
		m.setState(StateIdle)
	} else {
		m.setState(StateDisabled)
	}
}

// RequestReconnect asks for the bridge to be re-established. A connected
// transport is dropped and the schedule takes over from the close.
func (m *Machine) RequestReconnect() Action {
	switch {
	case m.connected:
		return ActionDisconnect
	case m.connecting:
		return ActionNone
	case m.enabled:
		m.setState(StateIdle)
	}
	return ActionNone
}

// Stop turns automatic reconnection off. It is refused while connected and
// while a sequence is running.
func (m *Machine) Stop() bool {
	if m.connected || m.connecting {
		return false
	}
	m.enabled = false
	m.attempt = 0
	m.tick = 0
	m.setState(StateDisabled)
	m.emit(Notice{Kind: NoticeStopped, Text: "Automatic reconnect stopped"})
	return true
}

// Start turns automatic reconnection on and fires an attempt at once.
// It is refused while connected and while a sequence is running.
func (m *Machine) Start() Action {
	if m.connected || m.connecting {
		return ActionNone
	}
	m.enabled = true
	m.attempt = 0
	m.tick = 0
	m.emit(Notice{Kind: NoticeStarted, Text: "Automatic reconnect started"})
	m.fire()
	return ActionConnect
}

func (m *Machine) fire() {
	m.tick = 0
	m.attempt++
	m.connecting = true
	m.setState(StateChecking)
	m.emit(Notice{Kind: NoticeAttempt, Attempt: m.attempt, Text: fmt.Sprintf("Reconnect attempt %d of %d", m.attempt, m.cfg.MaxAttempts)})
}

func (m *Machine) disable() {
	attempts := m.attempt
	m.enabled = false
	m.attempt = 0
	m.tick = 0
	m.setState(StateDisabled)
	m.emit(Notice{Kind: NoticeDisabled, Attempt: attempts, Text: fmt.Sprintf("Bridge unreachable after %d attempts, automatic reconnect disabled", attempts)})
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.emit(Notice{Kind: NoticeState, Text: "State " + s.String()})
}

func (m *Machine) emit(n Notice) {
	n.State = m.state
	if n.Attempt == 0 {
		n.Attempt = m.attempt
	}
	for _, fn := range m.observers {
		fn(n)
	}
}

func phaseText(p Phase) string {
	switch p {
	case PhaseReachability:
		return "Checking web server"
	case PhaseAuthorization:
		return "Web server reachable, checking login"
	case PhaseHandshake:
		return "Login valid, requesting bridge handshake"
	case PhaseUpgrade:
		return "Handshake scheduled, opening bridge socket"
	default:
		return p.String()
	}
}
