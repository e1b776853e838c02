package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irc-web-bridge/backend/internal/buffer"
	"github.com/irc-web-bridge/backend/internal/framer"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("supervisor already running")

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Machine Config
	Logger  *slog.Logger
	// OnLine receives every non-heartbeat line from the bridge. It runs on
	// the stream's reader goroutine.
	OnLine func(string)
	// Ticks overrides the supervision ticker.
	Ticks <-chan time.Time
}

type eventKind int

const (
	evPhase eventKind = iota
	evResult
	evFrame
	evClosed
)

type event struct {
	kind   eventKind
	phase  Phase
	err    error
	stream Stream
	seq    uint64
}

// Supervisor drives a Machine against a live Dialer. All machine inputs are
// serialized on the Run goroutine; network steps run on their own goroutines
// and report back over a channel.
type Supervisor struct {
	machine *Machine
	dialer  Dialer
	logger  *slog.Logger
	onLine  func(string)
	ticks   <-chan time.Time
	status  *buffer.LineLog

	cmds    chan func(context.Context)
	events  chan event
	done    chan struct{}
	running atomic.Bool

	snapMu sync.RWMutex
	snap   Snapshot

	// owned by Run
	stream    Stream
	streamSeq uint64
	cancelSeq context.CancelFunc
}

// NewSupervisor returns a Supervisor for dialer. Nothing happens until Run.
func NewSupervisor(dialer Dialer, cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onLine := cfg.OnLine
	if onLine == nil {
		onLine = func(string) {}
	}
	m := NewMachine(cfg.Machine)
	s := &Supervisor{
		machine: m,
		dialer:  dialer,
		logger:  logger.With("component", "reconnect"),
		onLine:  onLine,
		ticks:   cfg.Ticks,
		status:  buffer.NewLineLog(m.Config().StatusLogSize),
		cmds:    make(chan func(context.Context)),
		events:  make(chan event, 16),
		done:    make(chan struct{}),
		snap:    m.Snapshot(),
	}
	m.Observe(s.record)
	return s
}

// Observe registers fn to receive notices. It must be called before Run and
// fn must not block; it runs on the Run goroutine.
func (s *Supervisor) Observe(fn func(Notice)) {
	s.machine.Observe(fn)
}

// StatusLog returns the history of status text.
func (s *Supervisor) StatusLog() *buffer.LineLog {
	return s.status
}

// Snapshot returns the machine state as of the last processed input.
func (s *Supervisor) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Run supervises until ctx is done. It closes any open stream on return.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)
	defer s.shutdown()

	ticks := s.ticks
	if ticks == nil {
		ticker := time.NewTicker(s.machine.Config().TickPeriod)
		defer ticker.Stop()
		ticks = ticker.C
	}

	s.logger.Info("reconnect supervisor started", "state", s.machine.State().String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconnect supervisor stopped")
			return ctx.Err()
		case <-ticks:
			s.act(ctx, s.machine.Tick())
		case fn := <-s.cmds:
			fn(ctx)
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
		s.publish()
	}
}

// Start enables automatic reconnection and fires an attempt at once.
// It reports false when refused or when Run is not active.
func (s *Supervisor) Start() bool {
	var ok bool
	s.exec(func(ctx context.Context) {
		a := s.machine.Start()
		ok = a == ActionConnect
		s.act(ctx, a)
	})
	return ok
}

// Stop disables automatic reconnection while disconnected.
func (s *Supervisor) Stop() bool {
	var ok bool
	s.exec(func(context.Context) {
		ok = s.machine.Stop()
	})
	return ok
}

// Reconnect drops a connected bridge so the schedule re-establishes it.
func (s *Supervisor) Reconnect() {
	s.exec(func(ctx context.Context) {
		s.act(ctx, s.machine.RequestReconnect())
	})
}

// exec runs fn on the Run goroutine and waits for it.
func (s *Supervisor) exec(fn func(context.Context)) bool {
	reply := make(chan struct{})
	select {
	case s.cmds <- func(ctx context.Context) {
		fn(ctx)
		close(reply)
	}:
	case <-s.done:
		return false
	}
	<-reply
	return true
}

func (s *Supervisor) act(ctx context.Context, a Action) {
	switch a {
	case ActionConnect:
		seqCtx, cancel := context.WithCancel(ctx)
		s.cancelSeq = cancel
		go s.sequence(seqCtx)
	case ActionDisconnect:
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evPhase:
		s.machine.PhaseReached(ev.phase)
	case evResult:
		if s.cancelSeq != nil {
			s.cancelSeq()
			s.cancelSeq = nil
		}
		if ev.err != nil {
			s.machine.SequenceFailed(ev.phase, ev.err)
			return
		}
		s.streamSeq++
		s.stream = ev.stream
		go s.read(ev.stream, s.streamSeq)
		s.machine.Opened()
	case evFrame:
		if ev.seq == s.streamSeq {
			s.machine.Frame()
		}
	case evClosed:
		if ev.seq != s.streamSeq || s.stream == nil {
			return
		}
		_ = s.stream.Close()
		s.stream = nil
		s.machine.Closed(ev.err)
	}
}

// sequence runs the reconnection steps in order and reports the outcome.
func (s *Supervisor) sequence(ctx context.Context) {
	cfg := s.machine.Config()
	steps := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhaseReachability, s.dialer.Reachable},
		{PhaseAuthorization, s.dialer.Authorized},
		{PhaseHandshake, s.dialer.BeginHandshake},
	}
	for _, step := range steps {
		if !s.post(event{kind: evPhase, phase: step.phase}) {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		err := step.run(probeCtx)
		cancel()
		if err != nil {
			s.post(event{kind: evResult, phase: step.phase, err: err})
			return
		}
	}

	if cfg.UpgradeDelay > 0 {
		timer := time.NewTimer(cfg.UpgradeDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.post(event{kind: evResult, phase: PhaseHandshake, err: ctx.Err()})
			return
		}
	}

	if !s.post(event{kind: evPhase, phase: PhaseUpgrade}) {
		return
	}
	upCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	stream, err := s.dialer.Upgrade(upCtx)
	if err != nil {
		s.post(event{kind: evResult, phase: PhaseUpgrade, err: err})
		return
	}
	if !s.post(event{kind: evResult, phase: PhaseUpgrade, stream: stream}) {
		_ = stream.Close()
	}
}

// read consumes one stream until it fails. Each stream gets its own framer
// so a partial line never leaks into the next connection.
func (s *Supervisor) read(stream Stream, seq uint64) {
	fr := framer.New()
	for {
		_, data, err := stream.ReadMessage()
		if err != nil {
			s.post(event{kind: evClosed, seq: seq, err: err})
			return
		}
		if !s.post(event{kind: evFrame, seq: seq}) {
			return
		}
		for line := range fr.Messages(string(data)) {
			if framer.IsHeartbeat(line) {
				continue
			}
			s.onLine(line)
		}
	}
}

func (s *Supervisor) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) publish() {
	snap := s.machine.Snapshot()
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

func (s *Supervisor) shutdown() {
	if s.cancelSeq != nil {
		s.cancelSeq()
		s.cancelSeq = nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	s.publish()
}

func (s *Supervisor) record(n Notice) {
	if n.Kind != NoticeState {
		s.status.Appendf("%s %s", time.Now().Format(time.TimeOnly), n.Text)
	}

	attrs := []any{"kind", n.Kind.String(), "state", n.State.String(), "attempt", n.Attempt}
	if n.Err != nil {
		attrs = append(attrs, "error", n.Err)
	}
	switch n.Kind {
	case NoticeFailure, NoticeDisabled, NoticeHeartbeatTimeout:
		s.logger.Warn(n.Text, attrs...)
	case NoticeState:
		s.logger.Debug(n.Text, attrs...)
	default:
		s.logger.Info(n.Text, attrs...)
	}
}
