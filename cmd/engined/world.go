package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/duskmoor/moorgate/internal/engine"
)

// stubWorld is a minimal world handler: enough of a game to prove the
// session plumbing end to end. Real deployments replace it.
type stubWorld struct {
	mu       sync.Mutex
	commands uint64
}

func (w *stubWorld) OnSessionAttach(em engine.Emitter, sess *engine.Session, resumed bool) {
	if resumed {
		who := sess.Account()
		if who == "" {
			who = "traveler"
		}
		_ = em.Send(sess.ID, []byte(fmt.Sprintf("The world shifts and settles. Welcome back, %s.", who)))
		return
	}
	_ = em.Send(sess.ID, []byte("You stand at the gates of Duskmoor. Try: login <name>, who, say <text>, quit."))
}

func (w *stubWorld) OnInput(_ context.Context, em engine.Emitter, sess *engine.Session, payload []byte) error {
	w.mu.Lock()
	w.commands++
	w.mu.Unlock()

	line := strings.TrimSpace(string(payload))
	cmd, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "":
		return nil
	case "login":
		name := strings.TrimSpace(rest)
		if name == "" {
			return em.Send(sess.ID, []byte("login who?"))
		}
		if err := em.Bind(sess.ID, name, name+"-avatar"); err != nil {
			return err
		}
		return em.Send(sess.ID, []byte(fmt.Sprintf("You are now %s. This binding survives restarts.", name)))
	case "who":
		who := sess.Account()
		if who == "" {
			who = "an unnamed traveler"
		}
		return em.Send(sess.ID, []byte("Present: "+who))
	case "say":
		return em.Send(sess.ID, []byte(fmt.Sprintf("You say, %q", strings.TrimSpace(rest))))
	case "quit":
		return em.Disconnect(sess.ID, "player quit")
	default:
		return em.Send(sess.ID, []byte(fmt.Sprintf("The mist swallows %q.", line)))
	}
}

func (w *stubWorld) OnSessionClosed(*engine.Session, string) {}
