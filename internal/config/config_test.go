package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskmoor/moorgate/internal/testutil/testlog"
)

func writeFile(t *testing.T, name string, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadGatewayDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadGateway("")
	if err != nil {
		t.Fatalf("load gateway: %v", err)
	}
	if cfg.ControlAddr != "127.0.0.1:4005" {
		t.Fatalf("unexpected control_addr=%q", cfg.ControlAddr)
	}
	if cfg.InputQueuePolicy != InputPolicyDropOldest {
		t.Fatalf("unexpected input policy=%q", cfg.InputQueuePolicy)
	}
}

func TestLoadGatewayFileOverridesDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "gated.toml", `
control_addr = "127.0.0.1:5005"
telnet_addr = ":5000"
engine_command = ["/usr/bin/engined", "-config", "/etc/moorgate/engined.toml"]
input_queue_policy = "reject-new"
attach_timeout = "3s"
`)
	cfg, err := LoadGateway(path)
	if err != nil {
		t.Fatalf("load gateway: %v", err)
	}
	if cfg.ControlAddr != "127.0.0.1:5005" {
		t.Fatalf("unexpected control_addr=%q", cfg.ControlAddr)
	}
	if len(cfg.EngineCommand) != 3 || cfg.EngineCommand[0] != "/usr/bin/engined" {
		t.Fatalf("unexpected engine_command=%v", cfg.EngineCommand)
	}
	if cfg.InputQueuePolicy != InputPolicyRejectNew {
		t.Fatalf("unexpected input policy=%q", cfg.InputQueuePolicy)
	}
	if cfg.AttachTimeout.Std() != 3*time.Second {
		t.Fatalf("unexpected attach_timeout=%v", cfg.AttachTimeout.Std())
	}
	if cfg.StopTimeout.Std() != 10*time.Second {
		t.Fatalf("default stop_timeout lost: %v", cfg.StopTimeout.Std())
	}
}

func TestLoadGatewayEnvOverridesFile(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "gated.toml", `control_addr = "127.0.0.1:5005"`)
	t.Setenv("MOORGATE_CONTROL_ADDR", "127.0.0.1:6005")
	cfg, err := LoadGateway(path)
	if err != nil {
		t.Fatalf("load gateway: %v", err)
	}
	if cfg.ControlAddr != "127.0.0.1:6005" {
		t.Fatalf("env override lost: %q", cfg.ControlAddr)
	}
}

func TestLoadGatewayRejectsBadPolicy(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "gated.toml", `input_queue_policy = "queue-forever"`)
	if _, err := LoadGateway(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig got=%v", err)
	}
}

func TestLoadGatewayTLSRequiresKeyPair(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "gated.toml", `telnet_tls_addr = ":4443"`)
	if _, err := LoadGateway(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig got=%v", err)
	}
}

func TestLoadEngineDefaultsAndValidate(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadEngine("")
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	if cfg.Name != "engine.local" {
		t.Fatalf("unexpected name=%q", cfg.Name)
	}
	path := writeFile(t, "engined.toml", `startup_deadline = "0s"`)
	if _, err := LoadEngine(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig got=%v", err)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	testlog.Start(t)
	var d Duration
	if err := d.UnmarshalText([]byte(" 750ms ")); err != nil {
		t.Fatalf("unmarshal duration: %v", err)
	}
	if d.Std() != 750*time.Millisecond {
		t.Fatalf("unexpected duration=%v", d.Std())
	}
	if err := d.UnmarshalText([]byte("soon")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig got=%v", err)
	}
	out, err := Duration(3 * time.Second).MarshalText()
	if err != nil || string(out) != "3s" {
		t.Fatalf("marshal got=%q err=%v", out, err)
	}
}
