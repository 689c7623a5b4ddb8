// Package config owns TOML configuration loading for the moorgate daemons.
//
// Files are decoded with BurntSushi/toml over built-in defaults, then
// environment variables are overlaid so containerized deployments can
// override single keys without editing files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Queue policies for client input while no engine is attached.
const (
	InputPolicyDropOldest = "drop-oldest"
	InputPolicyRejectNew  = "reject-new"
)

// Backpressure policies for a stalled client's outbound queue.
const (
	OutputPolicyDropOldest = "drop-oldest"
	OutputPolicyDisconnect = "disconnect"
)

// Duration adds TOML/env text parsing to time.Duration.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("%w: duration %q", ErrInvalidConfig, string(text))
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler so templates round-trip.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Gateway is the gated.toml shape.
type Gateway struct {
	ControlAddr   string `toml:"control_addr" env:"MOORGATE_CONTROL_ADDR"`
	TelnetAddr    string `toml:"telnet_addr" env:"MOORGATE_TELNET_ADDR"`
	TelnetTLSAddr string `toml:"telnet_tls_addr" env:"MOORGATE_TELNET_TLS_ADDR"`
	TLSCertFile   string `toml:"tls_cert_file" env:"MOORGATE_TLS_CERT_FILE"`
	TLSKeyFile    string `toml:"tls_key_file" env:"MOORGATE_TLS_KEY_FILE"`
	WebsocketAddr string `toml:"websocket_addr" env:"MOORGATE_WEBSOCKET_ADDR"`
	MetricsAddr   string `toml:"metrics_addr" env:"MOORGATE_METRICS_ADDR"`

	// EngineCommand is the argv used by start/reload to spawn the engine.
	EngineCommand []string `toml:"engine_command" env:"MOORGATE_ENGINE_COMMAND" envSeparator:" "`

	InputQueuePolicy  string `toml:"input_queue_policy" env:"MOORGATE_INPUT_QUEUE_POLICY"`
	InputQueueDepth   int    `toml:"input_queue_depth" env:"MOORGATE_INPUT_QUEUE_DEPTH"`
	OutputQueuePolicy string `toml:"output_queue_policy" env:"MOORGATE_OUTPUT_QUEUE_POLICY"`
	OutputQueueDepth  int    `toml:"output_queue_depth" env:"MOORGATE_OUTPUT_QUEUE_DEPTH"`

	AttachTimeout Duration `toml:"attach_timeout" env:"MOORGATE_ATTACH_TIMEOUT"`
	StopTimeout   Duration `toml:"stop_timeout" env:"MOORGATE_STOP_TIMEOUT"`

	// RestartNotice is shown to clients whose input is rejected while the
	// engine is away.
	RestartNotice string `toml:"restart_notice" env:"MOORGATE_RESTART_NOTICE"`
}

// DefaultGateway returns gated defaults for a local deployment.
func DefaultGateway() Gateway {
	return Gateway{
		ControlAddr:       "127.0.0.1:4005",
		TelnetAddr:        ":4000",
		WebsocketAddr:     "",
		MetricsAddr:       "",
		InputQueuePolicy:  InputPolicyDropOldest,
		InputQueueDepth:   64,
		OutputQueuePolicy: OutputPolicyDisconnect,
		OutputQueueDepth:  256,
		AttachTimeout:     Duration(10 * time.Second),
		StopTimeout:       Duration(10 * time.Second),
		RestartNotice:     "The server is restarting; one moment.",
	}
}

// Validate enforces gateway config invariants.
func (g Gateway) Validate() error {
	if strings.TrimSpace(g.ControlAddr) == "" {
		return fmt.Errorf("%w: missing control_addr", ErrInvalidConfig)
	}
	if strings.TrimSpace(g.TelnetAddr) == "" && strings.TrimSpace(g.TelnetTLSAddr) == "" && strings.TrimSpace(g.WebsocketAddr) == "" {
		return fmt.Errorf("%w: no client listener configured", ErrInvalidConfig)
	}
	if strings.TrimSpace(g.TelnetTLSAddr) != "" {
		if strings.TrimSpace(g.TLSCertFile) == "" || strings.TrimSpace(g.TLSKeyFile) == "" {
			return fmt.Errorf("%w: telnet_tls_addr requires tls_cert_file and tls_key_file", ErrInvalidConfig)
		}
	}
	switch g.InputQueuePolicy {
	case InputPolicyDropOldest, InputPolicyRejectNew:
	default:
		return fmt.Errorf("%w: input_queue_policy %q", ErrInvalidConfig, g.InputQueuePolicy)
	}
	switch g.OutputQueuePolicy {
	case OutputPolicyDropOldest, OutputPolicyDisconnect:
	default:
		return fmt.Errorf("%w: output_queue_policy %q", ErrInvalidConfig, g.OutputQueuePolicy)
	}
	if g.InputQueueDepth <= 0 || g.OutputQueueDepth <= 0 {
		return fmt.Errorf("%w: queue depths must be positive", ErrInvalidConfig)
	}
	if g.AttachTimeout.Std() <= 0 || g.StopTimeout.Std() <= 0 {
		return fmt.Errorf("%w: lifecycle timeouts must be positive", ErrInvalidConfig)
	}
	return nil
}

// Engine is the engined.toml shape.
type Engine struct {
	GatewayAddr string `toml:"gateway_addr" env:"MOORGATE_GATEWAY_ADDR"`
	Name        string `toml:"name" env:"MOORGATE_ENGINE_NAME"`

	// StartupDeadline bounds the total time the engine may spend dialing
	// the gateway before exiting non-zero.
	StartupDeadline Duration `toml:"startup_deadline" env:"MOORGATE_STARTUP_DEADLINE"`

	BackoffInitial    Duration `toml:"backoff_initial" env:"MOORGATE_BACKOFF_INITIAL"`
	BackoffMultiplier float64  `toml:"backoff_multiplier" env:"MOORGATE_BACKOFF_MULTIPLIER"`
	BackoffMax        Duration `toml:"backoff_max" env:"MOORGATE_BACKOFF_MAX"`
	BackoffJitter     bool     `toml:"backoff_jitter" env:"MOORGATE_BACKOFF_JITTER"`

	SessionQueueDepth int `toml:"session_queue_depth" env:"MOORGATE_SESSION_QUEUE_DEPTH"`
}

// DefaultEngine returns engined defaults for a local deployment.
func DefaultEngine() Engine {
	return Engine{
		GatewayAddr:       "127.0.0.1:4005",
		Name:              "engine.local",
		StartupDeadline:   Duration(30 * time.Second),
		BackoffInitial:    Duration(250 * time.Millisecond),
		BackoffMultiplier: 2.0,
		BackoffMax:        Duration(5 * time.Second),
		BackoffJitter:     true,
		SessionQueueDepth: 32,
	}
}

// Validate enforces engine config invariants.
func (e Engine) Validate() error {
	if strings.TrimSpace(e.GatewayAddr) == "" {
		return fmt.Errorf("%w: missing gateway_addr", ErrInvalidConfig)
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if e.StartupDeadline.Std() <= 0 {
		return fmt.Errorf("%w: startup_deadline must be positive", ErrInvalidConfig)
	}
	if e.SessionQueueDepth <= 0 {
		return fmt.Errorf("%w: session_queue_depth must be positive", ErrInvalidConfig)
	}
	return nil
}

// LoadGateway reads gated config from path (optional) and the environment.
func LoadGateway(path string) (Gateway, error) {
	cfg := DefaultGateway()
	if err := load(path, &cfg); err != nil {
		return Gateway{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Gateway{}, err
	}
	return cfg, nil
}

// LoadEngine reads engined config from path (optional) and the environment.
func LoadEngine(path string) (Engine, error) {
	cfg := DefaultEngine()
	if err := load(path, &cfg); err != nil {
		return Engine{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Engine{}, err
	}
	return cfg, nil
}

func load(path string, out any) error {
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, out); err != nil {
			return fmt.Errorf("config load failed (%s): %w", path, err)
		}
	}
	if err := env.Parse(out); err != nil {
		return fmt.Errorf("config env overlay failed: %w", err)
	}
	return nil
}
