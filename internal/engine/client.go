package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duskmoor/moorgate/internal/proto"
)

var (
	ErrGatewayAddressRequired = errors.New("engine: gateway address required")
	ErrNameRequired           = errors.New("engine: engine name required")
	ErrAttachRejected         = errors.New("engine: attach rejected by gateway")
	ErrStartupDeadline        = errors.New("engine: could not reach gateway before startup deadline")
)

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 5 * time.Second
	linkWriteTimeout = 15 * time.Second
)

// DialConfig describes how the engine reaches its gateway.
type DialConfig struct {
	Address         string
	Name            string
	StartupDeadline time.Duration
	Backoff         BackoffConfig
}

// Link is the engine's end of the control channel. Writes are serialized
// so frames for one session keep their emit order on the wire.
type Link struct {
	conn   net.Conn
	reader *bufio.Reader
	wmu    sync.Mutex
}

// Send writes one encoded frame.
func (l *Link) Send(wire []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(linkWriteTimeout))
	_, err := l.conn.Write(wire)
	return err
}

// Read blocks for the next frame from the gateway.
func (l *Link) Read() (proto.Frame, error) {
	return proto.ReadFrame(l.reader, proto.DefaultLimits())
}

// Close tears down the control connection.
func (l *Link) Close() error {
	return l.conn.Close()
}

// Dial connects to the gateway control port with retry backoff and performs
// the attach handshake. A rejected attach (another engine is running) is
// terminal; connection failures retry until the startup deadline expires.
func Dial(ctx context.Context, cfg DialConfig) (*Link, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrGatewayAddressRequired
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, ErrNameRequired
	}
	deadline := time.Now().Add(cfg.StartupDeadline)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; ; attempt++ {
		link, err := dialOnce(ctx, cfg)
		if err == nil {
			return link, nil
		}
		if errors.Is(err, ErrAttachRejected) {
			return nil, err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", cfg.Address).Msg("gateway dial failed")

		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		if time.Now().Add(delay).After(deadline) {
			return nil, fmt.Errorf("%w: %v", ErrStartupDeadline, lastErr)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func dialOnce(ctx context.Context, cfg DialConfig) (*Link, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	reader := bufio.NewReader(conn)
	wire, err := proto.EncodeHelloFrame(proto.Hello{Role: proto.RoleEngine, Name: cfg.Name})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Write(wire); err != nil {
		_ = conn.Close()
		return nil, err
	}
	fr, err := proto.ReadFrame(reader, proto.DefaultLimits())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, err := proto.DecodeHelloAckFrame(fr)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ack.OK {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrAttachRejected, ack.Detail)
	}
	_ = conn.SetDeadline(time.Time{})
	return &Link{conn: conn, reader: reader}, nil
}
