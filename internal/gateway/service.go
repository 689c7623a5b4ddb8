package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/duskmoor/moorgate/internal/config"
	"github.com/duskmoor/moorgate/internal/observability"
	"github.com/duskmoor/moorgate/internal/proto"
)

const (
	handshakeTimeout = 5 * time.Second
	linkWriteTimeout = 15 * time.Second
)

// Service wires the registry, engine slot, control server, and client
// listeners into one gateway runtime.
type Service struct {
	cfg      config.Gateway
	log      zerolog.Logger
	registry *Registry
	slot     *Slot
	policy   SessionPolicy
}

// NewService builds a gateway with the default exec spawner.
func NewService(cfg config.Gateway, log zerolog.Logger) *Service {
	spawner := &ExecSpawner{Argv: cfg.EngineCommand, Log: log}
	return NewServiceWithSpawner(cfg, log, spawner)
}

// NewServiceWithSpawner builds a gateway with an injected engine spawner.
func NewServiceWithSpawner(cfg config.Gateway, log zerolog.Logger, spawner Spawner) *Service {
	observability.RegisterMetrics()
	return &Service{
		cfg:      cfg,
		log:      log,
		registry: NewRegistry(),
		slot:     NewSlot(spawner, cfg.AttachTimeout.Std(), cfg.StopTimeout.Std(), log),
		policy: SessionPolicy{
			InputPolicy:   cfg.InputQueuePolicy,
			InputDepth:    cfg.InputQueueDepth,
			OutputPolicy:  cfg.OutputQueuePolicy,
			OutputDepth:   cfg.OutputQueueDepth,
			RestartNotice: cfg.RestartNotice,
		},
	}
}

// Registry exposes the session table for status reporting and tests.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Slot exposes the engine slot for status reporting and tests.
func (s *Service) Slot() *Slot {
	return s.slot
}

// Run blocks serving the control port and all configured client listeners
// until ctx is canceled or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	controlLn, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", controlLn.Addr().String()).Msg("control port listening")

	errCh := make(chan error, 8)
	go func() { errCh <- s.ServeControl(ctx, controlLn) }()

	listeners, err := s.buildListeners()
	if err != nil {
		_ = controlLn.Close()
		return err
	}
	for _, l := range listeners {
		listener := l
		go func() { errCh <- listener.Serve(ctx) }()
	}

	if addr := strings.TrimSpace(s.cfg.MetricsAddr); addr != "" {
		go func() { errCh <- s.serveMetrics(ctx, addr) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Service) buildListeners() ([]ClientListener, error) {
	var out []ClientListener
	if addr := strings.TrimSpace(s.cfg.TelnetAddr); addr != "" {
		out = append(out, newTelnetListener(s, addr, nil))
	}
	if addr := strings.TrimSpace(s.cfg.TelnetTLSAddr); addr != "" {
		tlsCfg, err := loadServerTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		out = append(out, newTelnetListener(s, addr, tlsCfg))
	}
	if addr := strings.TrimSpace(s.cfg.WebsocketAddr); addr != "" {
		out = append(out, newWebsocketListener(s, addr))
	}
	return out, nil
}

func (s *Service) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	s.log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// AcceptClient registers a freshly accepted client socket and, when an
// engine is attached, announces the new session so it can bind a puppet.
func (s *Service) AcceptClient(protocol, remote string, caps proto.Capabilities, closeFn func()) *Session {
	sess := s.registry.Add(protocol, remote, caps, s.policy, closeFn)
	s.log.Info().
		Str("session", sess.ID).
		Str("protocol", protocol).
		Str("remote", remote).
		Int("open", s.registry.Count()).
		Msg("client connected")
	if link, ok := s.slot.RunningLink(); ok {
		if err := s.announceSession(link, sess); err != nil {
			s.log.Warn().Err(err).Str("session", sess.ID).Msg("session announce failed")
		}
	}
	return sess
}

// ClientInput routes one unit of client input toward the engine, queueing
// per policy while no engine is routable.
func (s *Service) ClientInput(sess *Session, payload []byte) {
	notice, forwarded := sess.forwardOrQueue(payload, func(p []byte) error {
		link, ok := s.slot.RunningLink()
		if !ok {
			return ErrNoEngine
		}
		wire, err := proto.EncodeDataFrame(proto.Data{SessionID: sess.ID, Payload: p})
		if err != nil {
			return err
		}
		return link.send(wire)
	})
	if forwarded {
		observability.RecordFrameRouted("inbound")
		return
	}
	if notice != "" {
		_ = sess.Send([]byte(notice))
	}
}

// DropSession removes a session whose client socket closed and tells the
// attached engine, if any, to release its binding.
func (s *Service) DropSession(id, reason string) {
	sess, ok := s.registry.Remove(id)
	if !ok {
		return
	}
	s.log.Info().
		Str("session", id).
		Str("reason", reason).
		Int("open", s.registry.Count()).
		Msg("client disconnected")
	if link, ok := s.slot.RunningLink(); ok {
		if wire, err := proto.EncodeSessionClosedFrame(proto.SessionClosed{SessionID: sess.ID, Reason: reason}); err == nil {
			_ = link.send(wire)
		}
	}
}

// announceSession sends one ResyncSession for a live session and opens
// direct routing for it, flushing any queued input first.
func (s *Service) announceSession(link *engineLink, sess *Session) error {
	wire, err := proto.EncodeResyncSessionFrame(sess.Resync())
	if err != nil {
		sess.MarkUnbound()
		return err
	}
	if err := link.send(wire); err != nil {
		return err
	}
	return sess.flushAndMarkRoutable(func(p []byte) error {
		dataWire, err := proto.EncodeDataFrame(proto.Data{SessionID: sess.ID, Payload: p})
		if err != nil {
			return err
		}
		observability.RecordFrameRouted("inbound")
		return link.send(dataWire)
	})
}

func loadServerTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
