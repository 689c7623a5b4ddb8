package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskmoor/moorgate/internal/proto"
	"github.com/duskmoor/moorgate/internal/testutil/testlog"
)

func TestWebsocketSessionEndToEnd(t *testing.T) {
	testlog.Start(t)
	svc, _ := startControlHarness(t)
	if res := svc.HandleControlCommand(context.Background(), proto.VerbStart); !res.OK {
		t.Fatalf("start: %+v", res)
	}

	listener := newWebsocketListener(svc, "")
	srv := httptest.NewServer(http.HandlerFunc(listener.handleUpgrade))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitCondition(t, "session registered", func() bool { return svc.Registry().Count() == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte("wave")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != "gen1: wave" {
		t.Fatalf("echo got=%q", payload)
	}

	sessions := svc.Registry().Snapshot()
	if len(sessions) != 1 || sessions[0].Protocol != "websocket" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	_ = conn.Close()
	waitCondition(t, "session dropped", func() bool { return svc.Registry().Count() == 0 })
}
