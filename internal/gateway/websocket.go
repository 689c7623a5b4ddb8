package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskmoor/moorgate/internal/proto"
)

// websocketListener serves the HTML5 streaming protocol: one text message
// per input line, one text message per output payload.
type websocketListener struct {
	svc      *Service
	addr     string
	upgrader websocket.Upgrader
}

func newWebsocketListener(svc *Service, addr string) *websocketListener {
	return &websocketListener{
		svc:  svc,
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway fronts game clients from arbitrary pages.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (l *websocketListener) Protocol() string {
	return "websocket"
}

func (l *websocketListener) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.handleUpgrade)
	srv := &http.Server{Addr: l.addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	l.svc.log.Info().Str("protocol", l.Protocol()).Str("addr", l.addr).Msg("client listener up")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (l *websocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.svc.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	caps := proto.Capabilities{Encoding: "utf-8", Color: true}
	sess := l.svc.AcceptClient(l.Protocol(), conn.RemoteAddr().String(), caps, func() {
		_ = conn.Close()
	})

	go websocketWriteLoop(conn, sess)

	conn.SetReadLimit(maxClientLine)
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			l.svc.DropSession(sess.ID, "client disconnected")
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		l.svc.ClientInput(sess, payload)
	}
}

func websocketWriteLoop(conn *websocket.Conn, sess *Session) {
	for {
		select {
		case payload := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-sess.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}
