package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/duskmoor/moorgate/internal/proto"
)

var (
	ErrAddressRequired = errors.New("launcher: gateway address required")
	ErrHandshakeFailed = errors.New("launcher: control handshake failed")
)

const defaultTimeout = 10 * time.Second

// Client issues lifecycle commands to a running gateway.
type Client struct {
	Addr    string
	Name    string
	Timeout time.Duration
}

// Execute dials the control port, performs the launcher handshake, and
// runs one command. The returned Result carries the gateway's verdict;
// err covers transport and protocol failures only.
func (c *Client) Execute(ctx context.Context, verb proto.Verb) (proto.Result, error) {
	if strings.TrimSpace(c.Addr) == "" {
		return proto.Result{}, ErrAddressRequired
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "launcher"
		}
		name = "moorctl@" + host
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return proto.Result{}, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	reader := bufio.NewReader(conn)

	hello, err := proto.EncodeHelloFrame(proto.Hello{Role: proto.RoleLauncher, Name: name})
	if err != nil {
		return proto.Result{}, err
	}
	if _, err := conn.Write(hello); err != nil {
		return proto.Result{}, err
	}
	fr, err := proto.ReadFrame(reader, proto.DefaultLimits())
	if err != nil {
		return proto.Result{}, err
	}
	ack, err := proto.DecodeHelloAckFrame(fr)
	if err != nil {
		return proto.Result{}, err
	}
	if !ack.OK {
		return proto.Result{}, fmt.Errorf("%w: %s", ErrHandshakeFailed, ack.Detail)
	}

	wire, err := proto.EncodeCommandFrame(proto.Command{Verb: verb})
	if err != nil {
		return proto.Result{}, err
	}
	if _, err := conn.Write(wire); err != nil {
		return proto.Result{}, err
	}
	fr, err = proto.ReadFrame(reader, proto.DefaultLimits())
	if err != nil {
		return proto.Result{}, err
	}
	return proto.DecodeResultFrame(fr)
}
