package gateway

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/duskmoor/moorgate/internal/config"
	"github.com/duskmoor/moorgate/internal/proto"
	"github.com/duskmoor/moorgate/internal/testutil/testlog"
)

func testPolicy() SessionPolicy {
	return SessionPolicy{
		InputPolicy:   config.InputPolicyRejectNew,
		InputDepth:    2,
		OutputPolicy:  config.OutputPolicyDisconnect,
		OutputDepth:   4,
		RestartNotice: "engine restarting, input held",
	}
}

func testCaps() proto.Capabilities {
	return proto.Capabilities{Encoding: "utf-8", Color: true, Width: 80}
}

func TestRegistryAddGetRemove(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	closed := false
	sess := reg.Add("telnet", "10.0.0.1:5000", testCaps(), testPolicy(), func() { closed = true })
	if sess.ID == "" {
		t.Fatalf("session has no id")
	}
	if got, ok := reg.Get(sess.ID); !ok || got != sess {
		t.Fatalf("get returned ok=%v got=%v", ok, got)
	}
	if n := reg.Count(); n != 1 {
		t.Fatalf("count got=%d want=1", n)
	}

	removed, ok := reg.Remove(sess.ID)
	if !ok || removed != sess {
		t.Fatalf("remove returned ok=%v", ok)
	}
	if !closed {
		t.Fatalf("closeFn not called on remove")
	}
	select {
	case <-sess.Done():
	default:
		t.Fatalf("done not closed after remove")
	}
	if _, ok := reg.Remove(sess.ID); ok {
		t.Fatalf("second remove succeeded")
	}
	if n := reg.Count(); n != 0 {
		t.Fatalf("count got=%d want=0", n)
	}
}

func TestRegistrySnapshotOrdersByCreation(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	var ids []string
	for i := 0; i < 3; i++ {
		sess := reg.Add("telnet", "10.0.0.1:5000", testCaps(), testPolicy(), nil)
		ids = append(ids, sess.ID)
		time.Sleep(time.Millisecond)
	}
	snap := reg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len=%d", len(snap))
	}
	for i, sess := range snap {
		if sess.ID != ids[i] {
			t.Fatalf("snapshot position %d got=%s want=%s", i, sess.ID, ids[i])
		}
	}
}

func TestSessionSendDisconnectsStalledClient(t *testing.T) {
	testlog.Start(t)
	policy := testPolicy()
	policy.OutputDepth = 1
	reg := NewRegistry()
	closed := false
	sess := reg.Add("telnet", "10.0.0.1:5000", testCaps(), policy, func() { closed = true })

	if err := sess.Send([]byte("first")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := sess.Send([]byte("second")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed got=%v", err)
	}
	if !closed {
		t.Fatalf("stalled client not disconnected")
	}
	if err := sess.Send([]byte("third")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close got=%v", err)
	}
}

func TestSessionSendDropOldestShedsBacklog(t *testing.T) {
	testlog.Start(t)
	policy := testPolicy()
	policy.OutputPolicy = config.OutputPolicyDropOldest
	policy.OutputDepth = 2
	reg := NewRegistry()
	sess := reg.Add("telnet", "10.0.0.1:5000", testCaps(), policy, nil)

	for _, p := range []string{"one", "two", "three"} {
		if err := sess.Send([]byte(p)); err != nil {
			t.Fatalf("send %q: %v", p, err)
		}
	}
	want := []string{"two", "three"}
	for i, expect := range want {
		select {
		case got := <-sess.Outbound():
			if string(got) != expect {
				t.Fatalf("outbound %d got=%q want=%q", i, got, expect)
			}
		default:
			t.Fatalf("outbound %d missing", i)
		}
	}
}

func TestSessionQueuesWhileUnroutable(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	sess := reg.Add("telnet", "10.0.0.1:5000", testCaps(), testPolicy(), nil)

	deadSend := func([]byte) error { t.Fatalf("send while unroutable"); return nil }
	if notice, forwarded := sess.forwardOrQueue([]byte("north"), deadSend); forwarded || notice != "" {
		t.Fatalf("queue got forwarded=%v notice=%q", forwarded, notice)
	}
	if notice, forwarded := sess.forwardOrQueue([]byte("look"), deadSend); forwarded || notice != "" {
		t.Fatalf("queue got forwarded=%v notice=%q", forwarded, notice)
	}

	var flushed [][]byte
	err := sess.flushAndMarkRoutable(func(p []byte) error {
		flushed = append(flushed, p)
		return nil
	})
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(flushed) != 2 || !bytes.Equal(flushed[0], []byte("north")) || !bytes.Equal(flushed[1], []byte("look")) {
		t.Fatalf("flush order wrong: %q", flushed)
	}

	var direct []byte
	notice, forwarded := sess.forwardOrQueue([]byte("say hi"), func(p []byte) error {
		direct = p
		return nil
	})
	if !forwarded || notice != "" {
		t.Fatalf("routable forward got forwarded=%v notice=%q", forwarded, notice)
	}
	if !bytes.Equal(direct, []byte("say hi")) {
		t.Fatalf("forwarded payload got=%q", direct)
	}
}

func TestSessionRejectNewNoticesOnce(t *testing.T) {
	testlog.Start(t)
	policy := testPolicy()
	policy.InputDepth = 1
	reg := NewRegistry()
	sess := reg.Add("telnet", "10.0.0.1:5000", testCaps(), policy, nil)

	noSend := func([]byte) error { return ErrNoEngine }
	sess.markUnroutable()
	if notice, _ := sess.forwardOrQueue([]byte("one"), noSend); notice != "" {
		t.Fatalf("first queue noticed early: %q", notice)
	}
	if notice, _ := sess.forwardOrQueue([]byte("two"), noSend); notice != policy.RestartNotice {
		t.Fatalf("overflow notice got=%q want=%q", notice, policy.RestartNotice)
	}
	if notice, _ := sess.forwardOrQueue([]byte("three"), noSend); notice != "" {
		t.Fatalf("notice repeated: %q", notice)
	}

	var flushed [][]byte
	if err := sess.flushAndMarkRoutable(func(p []byte) error {
		flushed = append(flushed, p)
		return nil
	}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(flushed) != 1 || !bytes.Equal(flushed[0], []byte("one")) {
		t.Fatalf("reject-new kept wrong input: %q", flushed)
	}
}

func TestSessionDropOldestInput(t *testing.T) {
	testlog.Start(t)
	policy := testPolicy()
	policy.InputPolicy = config.InputPolicyDropOldest
	policy.InputDepth = 2
	reg := NewRegistry()
	sess := reg.Add("telnet", "10.0.0.1:5000", testCaps(), policy, nil)

	noSend := func([]byte) error { return ErrNoEngine }
	sess.markUnroutable()
	for _, p := range []string{"one", "two", "three"} {
		if notice, _ := sess.forwardOrQueue([]byte(p), noSend); notice != "" {
			t.Fatalf("drop-oldest emitted notice %q", notice)
		}
	}
	var flushed [][]byte
	if err := sess.flushAndMarkRoutable(func(p []byte) error {
		flushed = append(flushed, p)
		return nil
	}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(flushed) != 2 || !bytes.Equal(flushed[0], []byte("two")) || !bytes.Equal(flushed[1], []byte("three")) {
		t.Fatalf("drop-oldest kept wrong inputs: %q", flushed)
	}
}

func TestSessionFallsBackToQueueOnDeadLink(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	sess := reg.Add("telnet", "10.0.0.1:5000", testCaps(), testPolicy(), nil)
	if err := sess.flushAndMarkRoutable(func([]byte) error { return nil }); err != nil {
		t.Fatalf("flush: %v", err)
	}

	notice, forwarded := sess.forwardOrQueue([]byte("north"), func([]byte) error { return ErrNoEngine })
	if forwarded || notice != "" {
		t.Fatalf("dead link got forwarded=%v notice=%q", forwarded, notice)
	}
	var flushed [][]byte
	if err := sess.flushAndMarkRoutable(func(p []byte) error {
		flushed = append(flushed, p)
		return nil
	}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(flushed) != 1 || !bytes.Equal(flushed[0], []byte("north")) {
		t.Fatalf("fallback queue lost input: %q", flushed)
	}
}

func TestSessionResyncCarriesBinding(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	sess := reg.Add("telnet", "10.0.0.1:5000", testCaps(), testPolicy(), nil)
	sess.SetBinding("mira", "warden")

	announce := sess.Resync()
	if announce.SessionID != sess.ID || announce.Account != "mira" || announce.Puppet != "warden" {
		t.Fatalf("unexpected resync %+v", announce)
	}
	if announce.Capabilities.Width != 80 || !announce.Capabilities.Color {
		t.Fatalf("capabilities lost: %+v", announce.Capabilities)
	}

	sess.MarkUnbound()
	announce = sess.Resync()
	if announce.Account != "mira" {
		t.Fatalf("mark unbound dropped account")
	}
	if announce.Puppet != "" {
		t.Fatalf("mark unbound kept puppet %q", announce.Puppet)
	}
}

func TestMarkAllUnroutablePausesRouting(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	a := reg.Add("telnet", "10.0.0.1:5000", testCaps(), testPolicy(), nil)
	b := reg.Add("websocket", "10.0.0.2:5000", testCaps(), testPolicy(), nil)
	for _, sess := range []*Session{a, b} {
		if err := sess.flushAndMarkRoutable(func([]byte) error { return nil }); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	reg.MarkAllUnroutable()
	for _, sess := range []*Session{a, b} {
		notice, forwarded := sess.forwardOrQueue([]byte("cmd"), func([]byte) error {
			t.Fatalf("routed while paused")
			return nil
		})
		if forwarded || notice != "" {
			t.Fatalf("pause got forwarded=%v notice=%q", forwarded, notice)
		}
	}
}
