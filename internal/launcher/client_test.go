package launcher

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/duskmoor/moorgate/internal/proto"
	"github.com/duskmoor/moorgate/internal/testutil/testlog"
)

// scriptedControl answers one launcher connection with a fixed result.
func scriptedControl(t *testing.T, ack proto.HelloAck, result proto.Result) (string, chan proto.Command) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	got := make(chan proto.Command, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		fr, err := proto.ReadFrame(reader, proto.DefaultLimits())
		if err != nil {
			return
		}
		hello, err := proto.DecodeHelloFrame(fr)
		if err != nil || hello.Role != proto.RoleLauncher {
			return
		}
		if _, err := conn.Write(proto.EncodeHelloAckFrame(ack)); err != nil || !ack.OK {
			return
		}
		fr, err = proto.ReadFrame(reader, proto.DefaultLimits())
		if err != nil {
			return
		}
		cmd, err := proto.DecodeCommandFrame(fr)
		if err != nil {
			return
		}
		got <- cmd
		_, _ = conn.Write(proto.EncodeResultFrame(result))
	}()
	return ln.Addr().String(), got
}

func TestExecuteRoundTrip(t *testing.T) {
	testlog.Start(t)
	addr, got := scriptedControl(t,
		proto.HelloAck{OK: true},
		proto.Result{OK: true, Detail: "engine=running sessions=3"})

	cli := &Client{Addr: addr, Timeout: 2 * time.Second}
	res, err := cli.Execute(context.Background(), proto.VerbStatus)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK || res.Detail != "engine=running sessions=3" {
		t.Fatalf("unexpected result %+v", res)
	}
	cmd := <-got
	if cmd.Verb != proto.VerbStatus {
		t.Fatalf("unexpected verb=%q", cmd.Verb)
	}
}

func TestExecuteCarriesRejection(t *testing.T) {
	testlog.Start(t)
	addr, _ := scriptedControl(t,
		proto.HelloAck{OK: true},
		proto.Result{OK: false, Detail: "operation in progress"})

	cli := &Client{Addr: addr, Timeout: 2 * time.Second}
	res, err := cli.Execute(context.Background(), proto.VerbReload)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK {
		t.Fatalf("expected rejected result")
	}
	if res.Detail != "operation in progress" {
		t.Fatalf("unexpected detail=%q", res.Detail)
	}
}

func TestExecuteHandshakeRejected(t *testing.T) {
	testlog.Start(t)
	addr, _ := scriptedControl(t,
		proto.HelloAck{OK: false, Detail: "unsupported role"},
		proto.Result{})

	cli := &Client{Addr: addr, Timeout: 2 * time.Second}
	if _, err := cli.Execute(context.Background(), proto.VerbStart); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed got=%v", err)
	}
}

func TestExecuteRequiresAddress(t *testing.T) {
	testlog.Start(t)
	cli := &Client{}
	if _, err := cli.Execute(context.Background(), proto.VerbStatus); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired got=%v", err)
	}
}

func TestExecuteGatewayDown(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cli := &Client{Addr: addr, Timeout: time.Second}
	if _, err := cli.Execute(context.Background(), proto.VerbStatus); err == nil {
		t.Fatalf("expected dial error")
	}
}
