package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/sourceagent/internal/agent"
	"github.com/danmuck/sourceagent/internal/capability"
	"github.com/danmuck/sourceagent/internal/remoting"
	"github.com/danmuck/sourceagent/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAgentConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
addr = "0.0.0.0:7000"
pairing_timeout = "3s"
max_pending_handshakes = 8
accept_rate = 50.0
max_read_bytes = 4096

[source]
type = "Nexus.Sources.Csv"
resource_locator = "file:///data"

[source.configuration]
delimiter = ";"

[[capabilities]]
type = "Nexus.Sources.Csv"
sample_width = 4
`)

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	svc := cfg.Service
	if svc.ListenAddr != "0.0.0.0:7000" {
		t.Fatalf("unexpected listen addr: %q", svc.ListenAddr)
	}
	if svc.PairingTimeout != 3*time.Second {
		t.Fatalf("unexpected pairing timeout: %v", svc.PairingTimeout)
	}
	if svc.HandshakeTimeout != time.Second || svc.OpenTimeout != 30*time.Second {
		t.Fatalf("absent keys should keep defaults: %+v", svc)
	}
	if svc.MaxPendingHandshakes != 8 || svc.AcceptRate != 50 {
		t.Fatalf("unexpected admission settings: %+v", svc)
	}
	if svc.Session.MaxReadBytes != 4096 {
		t.Fatalf("unexpected max read bytes: %d", svc.Session.MaxReadBytes)
	}
	if svc.Source.Type != "Nexus.Sources.Csv" || svc.Source.Configuration["delimiter"] != ";" {
		t.Fatalf("unexpected source: %+v", svc.Source)
	}

	reg, err := cfg.Resolver()
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	c, err := reg.Resolve("Nexus.Sources.Csv")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.SampleWidth() != 4 || c.Metadata().Name != "Nexus.Sources.Csv" {
		t.Fatalf("unexpected capability: %+v width=%d", c.Metadata(), c.SampleWidth())
	}
}

func TestLoadAgentConfigRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"missing source type": `addr = "127.0.0.1:1"`,
		"bad duration": `
pairing_timeout = "soon"
[source]
type = "A"
`,
		"negative duration": `
open_timeout = "-1s"
[source]
type = "A"
`,
		"unknown key": `
listen = "127.0.0.1:1"
[source]
type = "A"
`,
		"capability width": `
[source]
type = "A"
[[capabilities]]
type = "A"
sample_width = 0
`,
	}
	for name, content := range cases {
		if _, err := LoadAgentConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestResolverRejectsDuplicateTypes(t *testing.T) {
	testlog.Start(t)
	a := Agent{
		Service: agent.DefaultServiceConfig(),
		Capabilities: []CapabilityEntry{
			{Type: "Demo.Sine", SampleWidth: 8},
			{Type: "Demo.Sine", SampleWidth: 4},
		},
	}
	if _, err := a.Resolver(); !errors.Is(err, capability.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestLoadPluginConfig(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
addr = "127.0.0.1:56145"
id = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
max_connect_attempts = 3
backoff_initial = "100ms"
backoff_jitter = false

[sine]
amplitude = 2.0
`)
	cfg, err := LoadPluginConfig(path)
	if err != nil {
		t.Fatalf("load plugin config: %v", err)
	}
	if cfg.ID.String() != "3fa85f64-5717-4562-b3fc-2c963f66afa6" {
		t.Fatalf("unexpected id: %s", cfg.ID)
	}
	if cfg.MaxConnectAttempts != 3 || cfg.Backoff.InitialDelay != 100*time.Millisecond || cfg.Backoff.Jitter {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	d := remoting.DefaultConfig()
	if cfg.DialTimeout != d.DialTimeout || cfg.Backoff.MaxDelay != d.Backoff.MaxDelay {
		t.Fatalf("absent keys should keep defaults: %+v", cfg)
	}

	if _, err := LoadPluginConfig(writeConfig(t, `id = "nope"`+"\n"+`addr = "x:1"`)); err == nil {
		t.Fatalf("expected invalid id error")
	}
	if _, err := LoadPluginConfig(writeConfig(t, `api_version = 1`)); err == nil {
		t.Fatalf("expected missing addr error")
	}
}

func TestTemplatesValidate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{KindAgent, KindPlugin} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := Validate(path, kind); err != nil {
			t.Fatalf("validate %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil || !strings.Contains(err.Error(), "already exists") {
			t.Fatalf("expected overwrite guard, got %v", err)
		}
	}
	if _, err := Template("relay"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
