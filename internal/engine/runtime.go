package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/duskmoor/moorgate/internal/proto"
)

var (
	ErrRuntimeStopped = errors.New("engine: runtime stopped")
	ErrQueueFull      = errors.New("engine: session input queue full")
)

// Session is the engine's mirror of one gateway session. The gateway owns
// the socket; the engine owns the binding.
type Session struct {
	ID           string
	Protocol     string
	Capabilities proto.Capabilities

	mu      sync.Mutex
	account string
	puppet  string
}

// Account returns the account bound to this session, if any.
func (s *Session) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// Puppet returns the puppet bound to this session, if any.
func (s *Session) Puppet() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puppet
}

func (s *Session) setBinding(account, puppet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = account
	s.puppet = puppet
}

// Emitter is the engine-to-gateway surface handed to game logic. All
// methods are safe for concurrent use.
type Emitter interface {
	// Send delivers output to one session's client.
	Send(sessionID string, payload []byte) error
	// Bind records an account/puppet binding on the session so it
	// survives an engine restart.
	Bind(sessionID, account, puppet string) error
	// Disconnect asks the gateway to close the client socket.
	Disconnect(sessionID, reason string) error
}

// Handler is the game-logic boundary. One call at a time per session;
// calls for different sessions run concurrently.
type Handler interface {
	// OnSessionAttach fires when a session becomes visible to this
	// engine, either freshly connected or resumed across a restart.
	OnSessionAttach(em Emitter, sess *Session, resumed bool)
	// OnInput handles one unit of client input.
	OnInput(ctx context.Context, em Emitter, sess *Session, payload []byte) error
	// OnSessionClosed fires after the gateway reports the client gone.
	OnSessionClosed(sess *Session, reason string)
}

// Persister flushes durable world state before the engine exits.
type Persister interface {
	Flush(ctx context.Context) error
}

// NopPersister satisfies Persister for engines with nothing to save.
type NopPersister struct{}

// Flush is a no-op.
func (NopPersister) Flush(context.Context) error { return nil }

type sessionWorker struct {
	sess  *Session
	queue chan []byte
	done  chan struct{}
}

// Runtime drives one engine process: it consumes the control channel,
// fans input out to per-session workers, and shuts down cleanly when the
// gateway says so.
type Runtime struct {
	link       *Link
	handler    Handler
	persister  Persister
	queueDepth int
	log        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionWorker
	stopped  bool

	wg sync.WaitGroup
}

// NewRuntime builds a runtime over an attached link.
func NewRuntime(link *Link, handler Handler, persister Persister, queueDepth int, log zerolog.Logger) *Runtime {
	if persister == nil {
		persister = NopPersister{}
	}
	if queueDepth <= 0 {
		queueDepth = 32
	}
	return &Runtime{
		link:       link,
		handler:    handler,
		persister:  persister,
		queueDepth: queueDepth,
		log:        log,
		sessions:   make(map[string]*sessionWorker),
	}
}

// Send implements Emitter.
func (r *Runtime) Send(sessionID string, payload []byte) error {
	wire, err := proto.EncodeDataFrame(proto.Data{SessionID: sessionID, Payload: payload})
	if err != nil {
		return err
	}
	return r.link.Send(wire)
}

// Bind implements Emitter.
func (r *Runtime) Bind(sessionID, account, puppet string) error {
	r.mu.Lock()
	worker, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		worker.sess.setBinding(account, puppet)
	}
	wire, err := proto.EncodeSessionUpdateFrame(proto.SessionUpdate{
		SessionID: sessionID,
		Account:   account,
		Puppet:    puppet,
	})
	if err != nil {
		return err
	}
	return r.link.Send(wire)
}

// Disconnect implements Emitter.
func (r *Runtime) Disconnect(sessionID, reason string) error {
	wire, err := proto.EncodeSessionClosedFrame(proto.SessionClosed{SessionID: sessionID, Reason: reason})
	if err != nil {
		return err
	}
	if err := r.link.Send(wire); err != nil {
		return err
	}
	r.closeSession(sessionID, reason)
	return nil
}

// Sessions returns the ids of all attached sessions, sorted.
func (r *Runtime) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run consumes the control channel until the gateway orders a shutdown,
// ctx is canceled, or the link fails. A clean shutdown returns nil after
// draining session workers and flushing the persister.
func (r *Runtime) Run(ctx context.Context) error {
	frames := make(chan proto.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			fr, err := r.link.Read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- fr:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown(context.Background(), "signal")
		case err := <-readErr:
			r.drain()
			return fmt.Errorf("engine: control channel lost: %w", err)
		case fr := <-frames:
			done, err := r.dispatch(fr)
			if err != nil {
				r.log.Warn().Err(err).Uint16("type", uint16(fr.Header.MessageType)).Msg("bad control frame")
				continue
			}
			if done {
				return r.shutdown(ctx, "gateway shutdown")
			}
		}
	}
}

func (r *Runtime) dispatch(fr proto.Frame) (bool, error) {
	switch fr.Header.MessageType {
	case proto.MsgResyncSession:
		announce, err := proto.DecodeResyncSessionFrame(fr)
		if err != nil {
			return false, err
		}
		r.attachSession(announce)
	case proto.MsgResyncDone:
		done, err := proto.DecodeResyncDoneFrame(fr)
		if err != nil {
			return false, err
		}
		r.log.Info().Uint32("sessions", done.Count).Msg("resync complete")
	case proto.MsgData:
		data, err := proto.DecodeDataFrame(fr)
		if err != nil {
			return false, err
		}
		if err := r.enqueueInput(data); err != nil {
			r.log.Warn().Err(err).Str("session", data.SessionID).Msg("input dropped")
		}
	case proto.MsgSessionClosed:
		closed, err := proto.DecodeSessionClosedFrame(fr)
		if err != nil {
			return false, err
		}
		r.closeSession(closed.SessionID, closed.Reason)
	case proto.MsgShutdown:
		req, err := proto.DecodeShutdownFrame(fr)
		if err != nil {
			return false, err
		}
		r.log.Info().Str("reason", req.Reason).Msg("shutdown requested")
		return true, nil
	default:
		return false, fmt.Errorf("%w: message type %d", proto.ErrInvalidMessage, fr.Header.MessageType)
	}
	return false, nil
}

// attachSession registers one announced session and starts its worker.
// Re-announcing a known session only refreshes the binding, so a gateway
// that repeats itself during resync causes no duplicate attach.
func (r *Runtime) attachSession(announce proto.ResyncSession) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if existing, ok := r.sessions[announce.SessionID]; ok {
		r.mu.Unlock()
		existing.sess.setBinding(announce.Account, announce.Puppet)
		return
	}
	sess := &Session{
		ID:           announce.SessionID,
		Protocol:     announce.Protocol,
		Capabilities: announce.Capabilities,
		account:      announce.Account,
		puppet:       announce.Puppet,
	}
	worker := &sessionWorker{
		sess:  sess,
		queue: make(chan []byte, r.queueDepth),
		done:  make(chan struct{}),
	}
	r.sessions[announce.SessionID] = worker
	r.mu.Unlock()

	resumed := announce.Account != "" || announce.Puppet != ""
	r.log.Info().
		Str("session", sess.ID).
		Str("protocol", sess.Protocol).
		Bool("resumed", resumed).
		Msg("session attached")

	r.wg.Add(1)
	go r.runWorker(worker)
	r.handler.OnSessionAttach(r, sess, resumed)
}

// enqueueInput hands one input unit to the session's worker. A full queue
// rejects the unit rather than stalling every other session behind one
// slow command.
func (r *Runtime) enqueueInput(data proto.Data) error {
	r.mu.Lock()
	worker, ok := r.sessions[data.SessionID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", ErrRuntimeStopped, data.SessionID)
	}
	select {
	case worker.queue <- data.Payload:
		return nil
	default:
		return fmt.Errorf("%w: session %s", ErrQueueFull, data.SessionID)
	}
}

func (r *Runtime) runWorker(w *sessionWorker) {
	defer r.wg.Done()
	for {
		select {
		case <-w.done:
			// Finish whatever the gateway already handed us before
			// the worker goes away.
			for {
				select {
				case payload := <-w.queue:
					r.handleInput(w, payload)
				default:
					return
				}
			}
		case payload := <-w.queue:
			r.handleInput(w, payload)
		}
	}
}

func (r *Runtime) handleInput(w *sessionWorker, payload []byte) {
	if err := r.handler.OnInput(context.Background(), r, w.sess, payload); err != nil {
		r.log.Warn().Err(err).Str("session", w.sess.ID).Msg("input handler failed")
	}
}

func (r *Runtime) closeSession(id, reason string) {
	r.mu.Lock()
	worker, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	close(worker.done)
	r.log.Info().Str("session", id).Str("reason", reason).Msg("session detached")
	r.handler.OnSessionClosed(worker.sess, reason)
}

// drain stops every session worker without notifying the handler of a
// per-session close; the process is going away wholesale.
func (r *Runtime) drain() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	workers := make([]*sessionWorker, 0, len(r.sessions))
	for _, w := range r.sessions {
		workers = append(workers, w)
	}
	r.sessions = make(map[string]*sessionWorker)
	r.mu.Unlock()
	for _, w := range workers {
		close(w.done)
	}
	r.wg.Wait()
}

// shutdown runs the graceful exit: drain workers, flush durable state,
// tell the gateway this stop is clean, and close the link.
func (r *Runtime) shutdown(ctx context.Context, reason string) error {
	r.drain()
	if err := r.persister.Flush(ctx); err != nil {
		r.log.Error().Err(err).Msg("persist flush failed")
		_ = r.link.Send(proto.EncodeStoppingFrame(proto.Stopping{Clean: false, Reason: "persist failed"}))
		_ = r.link.Close()
		return err
	}
	if err := r.link.Send(proto.EncodeStoppingFrame(proto.Stopping{Clean: true, Reason: reason})); err != nil {
		r.log.Warn().Err(err).Msg("stopping notice failed")
	}
	_ = r.link.Close()
	r.log.Info().Str("reason", reason).Msg("engine stopped")
	return nil
}
