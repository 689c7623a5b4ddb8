package gateway

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskmoor/moorgate/internal/config"
	"github.com/duskmoor/moorgate/internal/observability"
	"github.com/duskmoor/moorgate/internal/proto"
)

var (
	ErrSessionClosed  = errors.New("gateway: session closed")
	ErrUnknownSession = errors.New("gateway: unknown session")
)

// SessionPolicy bounds the per-session queues and selects their overflow
// behavior.
type SessionPolicy struct {
	InputPolicy   string
	InputDepth    int
	OutputPolicy  string
	OutputDepth   int
	RestartNotice string
}

// Session is one connected client. The record lives from socket accept to
// socket close; an engine restart never destroys it.
type Session struct {
	ID        string
	Protocol  string
	Remote    string
	CreatedAt time.Time

	policy SessionPolicy

	mu       sync.Mutex
	account  string
	puppet   string
	caps     proto.Capabilities
	pending  [][]byte
	noticed  bool
	routable bool

	out     chan []byte
	done    chan struct{}
	closeFn func()
	once    sync.Once
}

func newSession(protocol, remote string, caps proto.Capabilities, policy SessionPolicy, closeFn func()) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Protocol:  protocol,
		Remote:    remote,
		CreatedAt: time.Now(),
		policy:    policy,
		caps:      caps,
		out:       make(chan []byte, policy.OutputDepth),
		done:      make(chan struct{}),
		closeFn:   closeFn,
	}
}

// Outbound is consumed by the transport's write loop.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Done closes when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send enqueues engine-originated output toward the client socket. A full
// queue means a stalled client; policy decides between shedding the oldest
// buffered payload and disconnecting.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- payload:
		return nil
	default:
	}
	if s.policy.OutputPolicy == config.OutputPolicyDropOldest {
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- payload:
			return nil
		default:
			return nil
		}
	}
	s.close()
	return ErrSessionClosed
}

// SetBinding records engine-driven auth and puppet state so the next
// resync carries it.
func (s *Session) SetBinding(account, puppet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = strings.TrimSpace(account)
	s.puppet = strings.TrimSpace(puppet)
}

// MarkUnbound clears the puppet reference, leaving auth state intact.
// Used when an engine fails to resync this one session.
func (s *Session) MarkUnbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puppet = ""
}

// Resync builds the announce payload for an engine attach.
func (s *Session) Resync() proto.ResyncSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return proto.ResyncSession{
		SessionID:    s.ID,
		Protocol:     s.Protocol,
		Account:      s.account,
		Puppet:       s.puppet,
		Capabilities: s.caps,
	}
}

// forwardOrQueue sends payload through send when the session is routable,
// and queues it per policy otherwise. The session mutex orders this against
// the resync flush so a session's inputs stay FIFO across an engine swap.
func (s *Session) forwardOrQueue(payload []byte, send func([]byte) error) (notice string, forwarded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routable {
		if err := send(payload); err == nil {
			return "", true
		}
		// The engine dropped between the routable check and the write;
		// fall through and queue so nothing is lost silently.
		s.routable = false
	}
	if len(s.pending) < s.policy.InputDepth {
		s.pending = append(s.pending, payload)
		return "", false
	}
	if s.policy.InputPolicy == config.InputPolicyDropOldest {
		observability.RecordInputDropped(s.policy.InputPolicy)
		s.pending = append(s.pending[1:], payload)
		return "", false
	}
	observability.RecordInputDropped(s.policy.InputPolicy)
	if s.noticed {
		return "", false
	}
	s.noticed = true
	return s.policy.RestartNotice, false
}

// flushAndMarkRoutable drains queued input to the newly attached engine in
// FIFO order, then opens direct routing. Holding the mutex for the whole
// flush keeps any concurrently arriving input ordered after the backlog.
func (s *Session) flushAndMarkRoutable(send func([]byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		if err := send(p); err != nil {
			return err
		}
	}
	s.pending = nil
	s.routable = true
	s.noticed = false
	return nil
}

func (s *Session) markUnroutable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routable = false
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}

// Registry is the gateway's authoritative session table. All mutation is
// serialized behind one mutex; routing reads take the same lock briefly.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty session table.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add creates and registers a session for a freshly accepted client socket.
func (r *Registry) Add(protocol, remote string, caps proto.Capabilities, policy SessionPolicy, closeFn func()) *Session {
	s := newSession(protocol, remote, caps, policy, closeFn)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	observability.RecordSessionOpened()
	return s
}

// Get returns the session for id, if still open.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove tears the session down and drops it from the table.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.close()
	observability.RecordSessionClosed()
	return s, true
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns all open sessions ordered by creation time.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MarkAllUnroutable pauses direct routing for every session, used on
// engine detach so fresh input queues instead of hitting a dead link.
func (r *Registry) MarkAllUnroutable() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.markUnroutable()
	}
}
