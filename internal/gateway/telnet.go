package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/duskmoor/moorgate/internal/proto"
)

const (
	clientWriteTimeout = 10 * time.Second
	maxClientLine      = 64 * 1024
)

// ClientListener accepts one wire protocol's client connections and feeds
// them into the gateway as sessions.
type ClientListener interface {
	Protocol() string
	Serve(ctx context.Context) error
}

// telnetListener serves the classic line-oriented text protocol, optionally
// wrapped in TLS.
type telnetListener struct {
	svc    *Service
	addr   string
	tlsCfg *tls.Config
}

func newTelnetListener(svc *Service, addr string, tlsCfg *tls.Config) *telnetListener {
	return &telnetListener{svc: svc, addr: addr, tlsCfg: tlsCfg}
}

func (l *telnetListener) Protocol() string {
	if l.tlsCfg != nil {
		return "telnet+tls"
	}
	return "telnet"
}

func (l *telnetListener) Serve(ctx context.Context) error {
	var (
		ln  net.Listener
		err error
	)
	if l.tlsCfg != nil {
		ln, err = tls.Listen("tcp", l.addr, l.tlsCfg)
	} else {
		ln, err = net.Listen("tcp", l.addr)
	}
	if err != nil {
		return err
	}
	return l.serve(ctx, ln)
}

func (l *telnetListener) serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	l.svc.log.Info().Str("protocol", l.Protocol()).Str("addr", ln.Addr().String()).Msg("client listener up")

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
			// Accept failures are connection-local; keep serving.
			l.svc.log.Warn().Err(err).Str("protocol", l.Protocol()).Msg("accept failed")
			continue
		}
		go l.handleConn(conn)
	}
}

func (l *telnetListener) handleConn(conn net.Conn) {
	caps := proto.Capabilities{Encoding: "utf-8", Color: true, Width: 80}
	sess := l.svc.AcceptClient(l.Protocol(), conn.RemoteAddr().String(), caps, func() {
		_ = conn.Close()
	})

	go telnetWriteLoop(conn, sess)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxClientLine)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		l.svc.ClientInput(sess, line)
	}
	reason := "client disconnected"
	if err := scanner.Err(); err != nil {
		reason = err.Error()
	}
	l.svc.DropSession(sess.ID, reason)
}

// telnetWriteLoop drains the session's bounded outbound queue onto the
// socket, one line per payload.
func telnetWriteLoop(conn net.Conn, sess *Session) {
	for {
		select {
		case payload := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if _, err := conn.Write(append(payload, '\r', '\n')); err != nil {
				return
			}
		case <-sess.Done():
			return
		}
	}
}
