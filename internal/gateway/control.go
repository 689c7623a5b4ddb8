package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/duskmoor/moorgate/internal/observability"
	"github.com/duskmoor/moorgate/internal/proto"
)

// ServeControl accepts engine and launcher peers on the control port.
func (s *Service) ServeControl(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleControlConn(ctx, conn)
	}
}

func (s *Service) handleControlConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	reader := bufio.NewReader(conn)
	fr, err := proto.ReadFrame(reader, proto.DefaultLimits())
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("control handshake read failed")
		return
	}
	hello, err := proto.DecodeHelloFrame(fr)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("control handshake rejected")
		_, _ = conn.Write(proto.EncodeHelloAckFrame(proto.HelloAck{OK: false, Detail: err.Error()}))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	switch hello.Role {
	case proto.RoleEngine:
		s.handleEngineConn(conn, reader, hello, remote)
	case proto.RoleLauncher:
		s.handleLauncherConn(ctx, conn, reader, hello, remote)
	}
}

// handleEngineConn attaches a dialing engine, replays the session set, and
// pumps its frames until the connection drops.
func (s *Service) handleEngineConn(conn net.Conn, reader *bufio.Reader, hello proto.Hello, remote string) {
	link := newEngineLink(conn, linkWriteTimeout)
	if err := s.slot.Attach(link); err != nil {
		s.log.Warn().Err(err).Str("engine", hello.Name).Str("remote", remote).Msg("engine attach rejected")
		_ = link.send(proto.EncodeHelloAckFrame(proto.HelloAck{OK: false, Detail: err.Error()}))
		return
	}
	if err := link.send(proto.EncodeHelloAckFrame(proto.HelloAck{OK: true, Detail: "attached"})); err != nil {
		s.slot.Detach("hello ack write failed")
		return
	}
	s.log.Info().Str("engine", hello.Name).Str("remote", remote).Msg("engine attached")

	if err := s.resyncEngine(link); err != nil {
		s.log.Error().Err(err).Msg("resync failed, dropping engine connection")
		s.registry.MarkAllUnroutable()
		s.slot.Detach("resync failed")
		return
	}

	reason := s.engineReadLoop(link, reader)
	s.registry.MarkAllUnroutable()
	s.slot.Detach(reason)
}

// resyncEngine declares every open session to the fresh engine so it can
// rebuild its world bindings, then flushes queued input in FIFO order.
func (s *Service) resyncEngine(link *engineLink) error {
	sessions := s.registry.Snapshot()
	announced := 0
	for _, sess := range sessions {
		wire, err := proto.EncodeResyncSessionFrame(sess.Resync())
		if err != nil {
			// One bad session must not block the rest of the resync.
			s.log.Warn().Err(err).Str("session", sess.ID).Msg("session skipped during resync")
			sess.MarkUnbound()
			continue
		}
		if err := link.send(wire); err != nil {
			return err
		}
		announced++
	}
	if err := link.send(proto.EncodeResyncDoneFrame(proto.ResyncDone{Count: uint32(announced)})); err != nil {
		return err
	}
	for _, sess := range sessions {
		sessID := sess.ID
		err := sess.flushAndMarkRoutable(func(p []byte) error {
			wire, err := proto.EncodeDataFrame(proto.Data{SessionID: sessID, Payload: p})
			if err != nil {
				return err
			}
			observability.RecordFrameRouted("inbound")
			return link.send(wire)
		})
		if err != nil {
			return err
		}
	}
	s.log.Info().Int("sessions", announced).Msg("resync complete")
	return nil
}

func (s *Service) engineReadLoop(link *engineLink, reader *bufio.Reader) string {
	for {
		fr, err := proto.ReadFrame(reader, proto.DefaultLimits())
		if err != nil {
			return fmt.Sprintf("read: %v", err)
		}
		switch fr.Header.MessageType {
		case proto.MsgData:
			data, err := proto.DecodeDataFrame(fr)
			if err != nil {
				s.log.Warn().Err(err).Msg("malformed data frame from engine")
				return "malformed data frame"
			}
			s.routeOutbound(data)
		case proto.MsgSessionUpdate:
			update, err := proto.DecodeSessionUpdateFrame(fr)
			if err != nil {
				s.log.Warn().Err(err).Msg("malformed session update from engine")
				return "malformed session update"
			}
			if sess, ok := s.registry.Get(update.SessionID); ok {
				sess.SetBinding(update.Account, update.Puppet)
			}
		case proto.MsgSessionClosed:
			closed, err := proto.DecodeSessionClosedFrame(fr)
			if err != nil {
				s.log.Warn().Err(err).Msg("malformed session close from engine")
				return "malformed session close"
			}
			s.DropSession(closed.SessionID, closed.Reason)
		case proto.MsgStopping:
			stopping, err := proto.DecodeStoppingFrame(fr)
			if err != nil {
				s.log.Warn().Err(err).Msg("malformed stopping frame from engine")
				return "malformed stopping frame"
			}
			s.slot.NoteStopping(stopping.Clean)
			s.log.Info().Bool("clean", stopping.Clean).Str("reason", stopping.Reason).Msg("engine announced stop")
		default:
			s.log.Warn().Uint16("type", uint16(fr.Header.MessageType)).Msg("unexpected frame from engine")
			return "protocol violation"
		}
	}
}

// routeOutbound delivers engine output to the matching client socket. A
// session that closed while the engine was composing output is not an
// error; the payload is discarded.
func (s *Service) routeOutbound(data proto.Data) {
	sess, ok := s.registry.Get(data.SessionID)
	if !ok {
		s.log.Debug().Str("session", data.SessionID).Msg("output for closed session discarded")
		return
	}
	observability.RecordFrameRouted("outbound")
	if err := sess.Send(data.Payload); err != nil {
		s.log.Warn().Err(err).Str("session", data.SessionID).Msg("client delivery failed")
	}
}

// handleLauncherConn serves lifecycle commands for one operator connection.
func (s *Service) handleLauncherConn(ctx context.Context, conn net.Conn, reader *bufio.Reader, hello proto.Hello, remote string) {
	_, _ = conn.Write(proto.EncodeHelloAckFrame(proto.HelloAck{OK: true, Detail: "ready"}))
	s.log.Info().Str("launcher", hello.Name).Str("remote", remote).Msg("launcher connected")
	for {
		fr, err := proto.ReadFrame(reader, proto.DefaultLimits())
		if err != nil {
			return
		}
		cmd, err := proto.DecodeCommandFrame(fr)
		if err != nil {
			_, _ = conn.Write(proto.EncodeResultFrame(proto.Result{OK: false, Detail: err.Error()}))
			return
		}
		result := s.HandleControlCommand(ctx, cmd.Verb)
		if _, err := conn.Write(proto.EncodeResultFrame(result)); err != nil {
			return
		}
	}
}

// HandleControlCommand executes one lifecycle verb against the engine slot.
func (s *Service) HandleControlCommand(ctx context.Context, verb proto.Verb) proto.Result {
	start := time.Now()
	s.log.Info().Str("verb", string(verb)).Msg("lifecycle command")
	var err error
	switch verb {
	case proto.VerbStart:
		err = s.slot.Start(ctx)
	case proto.VerbStop:
		err = s.slot.Stop(ctx, "operator stop")
	case proto.VerbReload:
		err = s.slot.Reload(ctx)
	case proto.VerbStatus:
		return proto.Result{
			OK:     true,
			Detail: fmt.Sprintf("engine=%s sessions=%d", s.slot.State(), s.registry.Count()),
		}
	default:
		return proto.Result{OK: false, Detail: fmt.Sprintf("unknown command %q", verb)}
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.RecordLifecycle(string(verb), outcome, time.Since(start))
	if err != nil {
		return proto.Result{OK: false, Detail: commandErrorDetail(err)}
	}
	return proto.Result{OK: true, Detail: fmt.Sprintf("engine=%s", s.slot.State())}
}

func commandErrorDetail(err error) string {
	switch {
	case errors.Is(err, ErrOpInProgress):
		return "operation in progress"
	case errors.Is(err, ErrEngineRunning):
		return "engine already running"
	case errors.Is(err, ErrNoEngine):
		return "no engine running"
	default:
		return err.Error()
	}
}
