package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/scope"
	"github.com/danmuck/scope/internal/testutil/testlog"
	"github.com/danmuck/scope/internal/testutil/tlstest"
	"github.com/danmuck/scope/internal/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadScopedDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
name = "app.alpha"
debugger_address = "10.0.0.5:7005"
protocol = "stp1"
format = "xml"
services = [" echo ", "kv", ""]
reconnect = false
reconnect_max_attempts = 4
stp0_double_unescape = true
handshake_timeout = "250ms"
proxy_listen = "127.0.0.1:7002"
`)
	cfg, err := LoadScoped(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != "app.alpha" || cfg.DebuggerAddress != "10.0.0.5:7005" {
		t.Fatalf("identity: %+v", cfg)
	}
	if cfg.Policy != scope.PolicyForceStp1 || cfg.Format != protocol.FormatXML {
		t.Fatalf("protocol/format: %s %s", cfg.Policy, cfg.Format)
	}
	if !reflect.DeepEqual(cfg.Services, []string{"echo", "kv"}) {
		t.Fatalf("services: %v", cfg.Services)
	}
	if cfg.Reconnect || cfg.ReconnectMaxAttempts != 4 || !cfg.Stp0DoubleUnescape {
		t.Fatalf("flags: %+v", cfg)
	}
	if cfg.AdminAddr != DefaultScopedConfig().AdminAddr {
		t.Fatalf("admin_addr should keep its default, got %q", cfg.AdminAddr)
	}
	if cfg.Security.Mode != transport.SecurityModeDevelopment {
		t.Fatalf("security mode: %q", cfg.Security.Mode)
	}

	client, err := cfg.ClientOptions("uplink")
	if err != nil {
		t.Fatalf("client options: %v", err)
	}
	if client.Address != "10.0.0.5" || client.Port != 7005 || client.Backoff.MaxAttempts != 4 || client.Reconnect {
		t.Fatalf("client options: %+v", client)
	}
	if client.HandshakeTimeout != 250*time.Millisecond {
		t.Fatalf("handshake timeout: %v", client.HandshakeTimeout)
	}
	proxy, err := cfg.ProxyOptions()
	if err != nil {
		t.Fatalf("proxy options: %v", err)
	}
	if proxy.Port != 7002 || proxy.Host.Policy != scope.PolicyForceStp1 || proxy.Host.Format != protocol.FormatXML {
		t.Fatalf("proxy options: %+v", proxy)
	}
	if opts := cfg.EngineOptions(nil); opts.Builtin.Name != "app.alpha" || !opts.Builtin.Stp0DoubleUnescape {
		t.Fatalf("engine options: %+v", opts.Builtin)
	}
}

func TestLoadScopedRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"unknown key":   "debuger_address = \"127.0.0.1:1\"\n",
		"bad protocol":  "protocol = \"stp9\"\n",
		"bad format":    "format = \"yaml\"\n",
		"bad address":   "debugger_address = \"localhost\"\n",
		"bad port":      "debugger_address = \"localhost:99999\"\n",
		"bad attempts":  "reconnect_max_attempts = -1\n",
		"bad timeout":   "handshake_timeout = \"soon\"\n",
		"neg timeout":   "handshake_timeout = \"-1s\"\n",
		"bad proxy":     "proxy_listen = \"nowhere\"\n",
		"tls needs ca":  "[tls]\nenabled = true\n",
		"prod sans tls": "security_mode = \"production\"\n",
	}
	for name, content := range cases {
		if _, err := LoadScoped(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := LoadScoped(writeConfig(t, "reconnect_max_attempts = -1\n")); !errors.Is(err, ErrBadAttempts) {
		t.Fatalf("expected ErrBadAttempts, got %v", err)
	}
	if _, err := LoadScoped(writeConfig(t, "handshake_timeout = \"soon\"\n")); !errors.Is(err, ErrBadTimeout) {
		t.Fatalf("expected ErrBadTimeout, got %v", err)
	}
	if _, err := LoadScoped(writeConfig(t, "debugger_address = \"x\"\n")); !errors.Is(err, ErrBadAddress) {
		t.Fatalf("expected ErrBadAddress, got %v", err)
	}
}

func TestLoadScopedWithTLS(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "scope-test-ca")
	path := writeConfig(t, `
security_mode = "production"

[tls]
enabled = true
ca_file = "`+filepath.ToSlash(ca.CAFile())+`"
server_name = "debugger.local"
`)
	cfg, err := LoadScoped(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Security.TLS.Enabled || cfg.Security.TLS.ServerName != "debugger.local" {
		t.Fatalf("tls: %+v", cfg.Security.TLS)
	}
	tlsCfg, err := cfg.Security.ClientTLS()
	if err != nil || tlsCfg == nil || tlsCfg.RootCAs == nil {
		t.Fatalf("client tls: cfg=%v err=%v", tlsCfg, err)
	}
}

func TestLoadScopectl(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadScopectl(writeConfig(t, `
listen_address = "0.0.0.0:7100"
protocol = "stp0"
format = "json"
services = ["echo"]
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	opts, err := cfg.ListenerOptions()
	if err != nil {
		t.Fatalf("listener options: %v", err)
	}
	if opts.Address != "0.0.0.0" || opts.Port != 7100 || opts.Host.Policy != scope.PolicyForceStp0 || opts.Host.Format != protocol.FormatJSON {
		t.Fatalf("listener options: %+v", opts)
	}
	if cfg.Name != "scopectl" || !reflect.DeepEqual(cfg.Services, []string{"echo"}) {
		t.Fatalf("config: %+v", cfg)
	}

	if _, err := LoadScopectl(writeConfig(t, "[tls]\nenabled = true\n")); !errors.Is(err, transport.ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
}

func TestTemplatesLoadCleanly(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{"scoped", "scopectl"} {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("%s: write template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("%s: second write without overwrite should fail", kind)
		}
		if err := Check(path, kind); err != nil {
			t.Fatalf("%s: template does not load: %v", kind, err)
		}
	}
	if _, err := Template("daemon"); err == nil {
		t.Fatalf("unknown kind should fail")
	}
}
