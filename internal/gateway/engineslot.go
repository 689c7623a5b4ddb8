package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duskmoor/moorgate/internal/observability"
	"github.com/duskmoor/moorgate/internal/proto"
)

var (
	ErrEngineAttached    = errors.New("gateway: engine already attached")
	ErrEngineRunning     = errors.New("gateway: engine already running")
	ErrNoEngine          = errors.New("gateway: no engine attached")
	ErrOpInProgress      = errors.New("gateway: operation in progress")
	ErrTransitionTimeout = errors.New("gateway: lifecycle transition timed out")
	ErrNoEngineCommand   = errors.New("gateway: no engine command configured")
)

// SlotState is the lifecycle phase of the single engine slot.
type SlotState string

const (
	StateAbsent   SlotState = "absent"
	StateStarting SlotState = "starting"
	StateRunning  SlotState = "running"
	StateStopping SlotState = "stopping"
)

var allSlotStates = []string{
	string(StateAbsent),
	string(StateStarting),
	string(StateRunning),
	string(StateStopping),
}

// EngineProcess is the slot's handle on a spawned engine process.
type EngineProcess interface {
	Kill() error
}

// Spawner launches a new engine process. The spawned engine is expected to
// dial back into the control port on its own; Spawn never waits for that.
type Spawner interface {
	Spawn(ctx context.Context) (EngineProcess, error)
}

// ExecSpawner runs a configured argv via os/exec.
type ExecSpawner struct {
	Argv []string
	Log  zerolog.Logger
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Spawn starts the engine argv without blocking on its exit.
func (e *ExecSpawner) Spawn(ctx context.Context) (EngineProcess, error) {
	if len(e.Argv) == 0 {
		return nil, ErrNoEngineCommand
	}
	cmd := exec.Command(e.Argv[0], e.Argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("gateway: spawn engine: %w", err)
	}
	e.Log.Info().Int("pid", cmd.Process.Pid).Strs("argv", e.Argv).Msg("engine spawned")
	go func() {
		err := cmd.Wait()
		if err != nil {
			e.Log.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("engine process exited")
			return
		}
		e.Log.Info().Int("pid", cmd.Process.Pid).Msg("engine process exited cleanly")
	}()
	return execProcess{cmd: cmd}, nil
}

// engineLink is the write half of the attached engine's control connection.
// All frame writes are serialized through one mutex so per-session FIFO
// ordering on the wire follows call order.
type engineLink struct {
	conn         net.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func newEngineLink(conn net.Conn, writeTimeout time.Duration) *engineLink {
	return &engineLink{conn: conn, writeTimeout: writeTimeout}
}

func (l *engineLink) send(wire []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	_, err := l.conn.Write(wire)
	return err
}

func (l *engineLink) close() {
	_ = l.conn.Close()
}

// Slot owns the single "current engine" record. It is the only place the
// attached-engine pointer mutates, and every lifecycle transition happens
// under its mutex.
type Slot struct {
	mu      sync.Mutex
	state   SlotState
	changed chan struct{}

	link *engineLink
	proc EngineProcess

	spawner       Spawner
	attachTimeout time.Duration
	stopTimeout   time.Duration

	busyVerb  proto.Verb
	stopClean bool
	attaches  uint64

	log zerolog.Logger
}

// NewSlot returns an empty engine slot in the absent state.
func NewSlot(spawner Spawner, attachTimeout, stopTimeout time.Duration, log zerolog.Logger) *Slot {
	s := &Slot{
		state:         StateAbsent,
		changed:       make(chan struct{}),
		spawner:       spawner,
		attachTimeout: attachTimeout,
		stopTimeout:   stopTimeout,
		log:           log,
	}
	observability.SetEngineState(string(s.state), allSlotStates)
	return s
}

// State returns the current lifecycle phase.
func (s *Slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunningLink returns the attached engine's write handle when input may be
// forwarded. The link and state are read under one lock so routing never
// sees a half-attached or just-detached engine.
func (s *Slot) RunningLink() (*engineLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || (s.state != StateRunning && s.state != StateStopping) {
		return nil, false
	}
	return s.link, true
}

// Attach binds a freshly handshaken engine connection. A second concurrent
// attach is rejected; at most one engine is ever running.
func (s *Slot) Attach(link *engineLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		return ErrEngineAttached
	}
	s.link = link
	s.attaches++
	if s.attaches > 1 {
		observability.RecordEngineRestart()
	}
	s.transitionLocked(StateRunning)
	return nil
}

// NoteStopping records the engine's own shutdown announcement so the next
// detach can be classified as clean.
func (s *Slot) NoteStopping(clean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopClean = clean
}

// Detach clears the attached engine after its control connection dropped.
// Client sessions are untouched; the caller pauses routing.
func (s *Slot) Detach(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return
	}
	s.link = nil
	s.proc = nil
	clean := s.stopClean
	s.stopClean = false
	wasStopping := s.state == StateStopping
	s.transitionLocked(StateAbsent)
	if clean && wasStopping {
		s.log.Info().Str("reason", reason).Msg("engine detached cleanly")
		return
	}
	// Crash path: no STOPPING preceded the disconnect. No auto-respawn;
	// the operator decides whether to start again.
	s.log.Error().Str("reason", reason).Bool("clean", clean).Msg("engine disconnected unexpectedly")
}

// Start handles the launcher's start verb: Absent -> Starting -> Running.
func (s *Slot) Start(ctx context.Context) error {
	if err := s.begin(proto.VerbStart); err != nil {
		return err
	}
	defer s.end()
	return s.startPhase(ctx)
}

// Stop handles the launcher's stop verb: Running -> Stopping -> Absent.
func (s *Slot) Stop(ctx context.Context, reason string) error {
	if err := s.begin(proto.VerbStop); err != nil {
		return err
	}
	defer s.end()
	return s.stopPhase(ctx, reason)
}

// Reload swaps the engine underneath the open client sockets:
// Running -> Stopping -> Absent -> Starting -> Running.
func (s *Slot) Reload(ctx context.Context) error {
	if err := s.begin(proto.VerbReload); err != nil {
		return err
	}
	defer s.end()
	if err := s.stopPhase(ctx, "reload"); err != nil {
		return err
	}
	return s.startPhase(ctx)
}

func (s *Slot) startPhase(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateAbsent:
	case StateRunning, StateStarting:
		s.mu.Unlock()
		return ErrEngineRunning
	default:
		s.mu.Unlock()
		return ErrOpInProgress
	}
	proc, err := s.spawner.Spawn(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.proc = proc
	s.transitionLocked(StateStarting)
	s.mu.Unlock()

	if s.waitState(time.Now().Add(s.attachTimeout), StateRunning) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return nil
	}
	if s.proc != nil {
		_ = s.proc.Kill()
		s.proc = nil
	}
	s.transitionLocked(StateAbsent)
	return fmt.Errorf("%w: engine did not attach within %s", ErrTransitionTimeout, s.attachTimeout)
}

func (s *Slot) stopPhase(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		if s.state == StateAbsent || s.state == StateStarting {
			return ErrNoEngine
		}
		return ErrOpInProgress
	}
	link := s.link
	s.transitionLocked(StateStopping)
	s.mu.Unlock()

	if err := link.send(proto.EncodeShutdownFrame(proto.Shutdown{Reason: reason})); err != nil {
		s.log.Warn().Err(err).Msg("shutdown request write failed, forcing detach")
	}

	if s.waitState(time.Now().Add(s.stopTimeout), StateAbsent) {
		return nil
	}

	// A buggy engine must not wedge the state machine: kill the process,
	// drop the link, and proceed as if it crashed.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAbsent {
		return nil
	}
	s.log.Error().Dur("timeout", s.stopTimeout).Msg("engine ignored shutdown, forcing termination")
	if s.proc != nil {
		_ = s.proc.Kill()
		s.proc = nil
	}
	if s.link != nil {
		s.link.close()
		s.link = nil
	}
	s.stopClean = false
	s.transitionLocked(StateAbsent)
	return nil
}

func (s *Slot) begin(verb proto.Verb) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyVerb != "" {
		return fmt.Errorf("%w: %s", ErrOpInProgress, s.busyVerb)
	}
	s.busyVerb = verb
	return nil
}

func (s *Slot) end() {
	s.mu.Lock()
	s.busyVerb = ""
	s.mu.Unlock()
}

func (s *Slot) transitionLocked(next SlotState) {
	if s.state == next {
		return
	}
	s.log.Info().Str("from", string(s.state)).Str("to", string(next)).Msg("engine slot transition")
	s.state = next
	observability.SetEngineState(string(next), allSlotStates)
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Slot) waitState(deadline time.Time, want SlotState) bool {
	for {
		s.mu.Lock()
		state := s.state
		ch := s.changed
		s.mu.Unlock()
		if state == want {
			return true
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return false
		}
		timer := time.NewTimer(remain)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false
		}
	}
}
