// Package config loads the TOML files read by scoped and scopectl.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/scope/internal/protocol"
	"github.com/danmuck/scope/internal/scope"
	"github.com/danmuck/scope/internal/transport"
)

var (
	ErrMissingName    = errors.New("config: name is required")
	ErrMissingAddress = errors.New("config: address is required")
	ErrBadAddress     = errors.New("config: address must be host:port")
	ErrBadAttempts    = errors.New("config: reconnect_max_attempts must not be negative")
	ErrBadTimeout     = errors.New("config: handshake_timeout must be a non-negative duration")
)

// ScopedConfig is the runtime configuration of the application daemon.
type ScopedConfig struct {
	Name                 string
	DebuggerAddress      string
	Policy               scope.Policy
	Format               protocol.Format
	AdminAddr            string
	AdminToken           string
	CORSOrigins          []string
	Services             []string
	Reconnect            bool
	ReconnectMaxAttempts int
	Stp0DoubleUnescape   bool
	// HandshakeTimeout bounds the wait for the debugger's answer to the
	// service list. Zero waits for the peer's first message.
	HandshakeTimeout time.Duration
	// ProxyListen accepts remote applications and relays each to its own
	// debugger connection. Empty disables the proxy.
	ProxyListen string
	Security    transport.SecurityConfig
}

func DefaultScopedConfig() ScopedConfig {
	return ScopedConfig{
		Name:            "scoped",
		DebuggerAddress: "127.0.0.1:7001",
		Policy:          scope.PolicyBestEffort,
		Format:          protocol.FormatNone,
		AdminAddr:       "127.0.0.1:9400",
		CORSOrigins:     []string{"http://localhost:3000"},
		Services:        []string{"echo", "runtime-info"},
		Reconnect:       true,
		Security:        transport.SecurityConfig{Mode: transport.SecurityModeDevelopment},
	}
}

func (c ScopedConfig) WithDefaults() ScopedConfig {
	def := DefaultScopedConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if strings.TrimSpace(c.DebuggerAddress) == "" {
		c.DebuggerAddress = def.DebuggerAddress
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = def.CORSOrigins
	}
	c.Security.Mode = transport.NormalizeSecurityMode(c.Security.Mode)
	return c
}

func (c ScopedConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrMissingName
	}
	if _, _, err := SplitAddress(c.DebuggerAddress); err != nil {
		return fmt.Errorf("debugger_address: %w", err)
	}
	if c.ProxyListen != "" {
		if _, _, err := SplitAddress(c.ProxyListen); err != nil {
			return fmt.Errorf("proxy_listen: %w", err)
		}
	}
	if c.ReconnectMaxAttempts < 0 {
		return ErrBadAttempts
	}
	if c.HandshakeTimeout < 0 {
		return ErrBadTimeout
	}
	return c.Security.ValidateClient()
}

// ScopectlConfig is the runtime configuration of the debugger-side CLI.
type ScopectlConfig struct {
	Name          string
	ListenAddress string
	Policy        scope.Policy
	Format        protocol.Format
	// Services names catalog services whose descriptors enable
	// transcoding.
	Services []string
	Security transport.SecurityConfig
}

func DefaultScopectlConfig() ScopectlConfig {
	return ScopectlConfig{
		Name:          "scopectl",
		ListenAddress: "127.0.0.1:7001",
		Policy:        scope.PolicyBestEffort,
		Format:        protocol.FormatNone,
		Security:      transport.SecurityConfig{Mode: transport.SecurityModeDevelopment},
	}
}

func (c ScopectlConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrMissingName
	}
	if _, _, err := SplitAddress(c.ListenAddress); err != nil {
		return fmt.Errorf("listen_address: %w", err)
	}
	return c.Security.ValidateServer()
}

// scoped.toml key mapping.
type scopedFile struct {
	Name                 string   `toml:"name"`
	DebuggerAddress      string   `toml:"debugger_address"`
	Protocol             string   `toml:"protocol"`
	Format               string   `toml:"format"`
	AdminAddr            string   `toml:"admin_addr"`
	AdminToken           string   `toml:"admin_token"`
	CORSOrigins          []string `toml:"cors_origins"`
	Services             []string `toml:"services"`
	Reconnect            bool     `toml:"reconnect"`
	ReconnectMaxAttempts int      `toml:"reconnect_max_attempts"`
	Stp0DoubleUnescape   bool     `toml:"stp0_double_unescape"`
	HandshakeTimeout     string   `toml:"handshake_timeout"`
	ProxyListen          string   `toml:"proxy_listen"`
	SecurityMode         string   `toml:"security_mode"`
	TLS                  tlsFile  `toml:"tls"`
}

// scopectl.toml key mapping.
type scopectlFile struct {
	Name          string   `toml:"name"`
	ListenAddress string   `toml:"listen_address"`
	Protocol      string   `toml:"protocol"`
	Format        string   `toml:"format"`
	Services      []string `toml:"services"`
	SecurityMode  string   `toml:"security_mode"`
	TLS           tlsFile  `toml:"tls"`
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// LoadScoped reads path over DefaultScopedConfig. Keys absent from the
// file keep their defaults.
func LoadScoped(path string) (ScopedConfig, error) {
	cfg := DefaultScopedConfig()

	var raw scopedFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ScopedConfig{}, fmt.Errorf("load scoped config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ScopedConfig{}, fmt.Errorf("load scoped config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("debugger_address") {
		cfg.DebuggerAddress = strings.TrimSpace(raw.DebuggerAddress)
	}
	if meta.IsDefined("protocol") {
		policy, err := scope.ParsePolicy(raw.Protocol)
		if err != nil {
			return ScopedConfig{}, fmt.Errorf("load scoped config: protocol: %w", err)
		}
		cfg.Policy = policy
	}
	if meta.IsDefined("format") {
		format, err := protocol.ParseFormat(raw.Format)
		if err != nil {
			return ScopedConfig{}, fmt.Errorf("load scoped config: format: %w", err)
		}
		cfg.Format = format
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = trimAll(raw.CORSOrigins)
	}
	if meta.IsDefined("services") {
		cfg.Services = trimAll(raw.Services)
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("reconnect_max_attempts") {
		cfg.ReconnectMaxAttempts = raw.ReconnectMaxAttempts
	}
	if meta.IsDefined("stp0_double_unescape") {
		cfg.Stp0DoubleUnescape = raw.Stp0DoubleUnescape
	}
	if meta.IsDefined("handshake_timeout") {
		timeout, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return ScopedConfig{}, fmt.Errorf("load scoped config: %w: %v", ErrBadTimeout, err)
		}
		cfg.HandshakeTimeout = timeout
	}
	if meta.IsDefined("proxy_listen") {
		cfg.ProxyListen = strings.TrimSpace(raw.ProxyListen)
	}
	if meta.IsDefined("security_mode") {
		cfg.Security.Mode = transport.SecurityMode(raw.SecurityMode)
	}
	if meta.IsDefined("tls") {
		cfg.Security.TLS = raw.TLS.transport()
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return ScopedConfig{}, fmt.Errorf("load scoped config: %w", err)
	}
	return cfg, nil
}

// LoadScopectl reads path over DefaultScopectlConfig.
func LoadScopectl(path string) (ScopectlConfig, error) {
	cfg := DefaultScopectlConfig()

	var raw scopectlFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ScopectlConfig{}, fmt.Errorf("load scopectl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ScopectlConfig{}, fmt.Errorf("load scopectl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("listen_address") {
		cfg.ListenAddress = strings.TrimSpace(raw.ListenAddress)
	}
	if meta.IsDefined("protocol") {
		policy, err := scope.ParsePolicy(raw.Protocol)
		if err != nil {
			return ScopectlConfig{}, fmt.Errorf("load scopectl config: protocol: %w", err)
		}
		cfg.Policy = policy
	}
	if meta.IsDefined("format") {
		format, err := protocol.ParseFormat(raw.Format)
		if err != nil {
			return ScopectlConfig{}, fmt.Errorf("load scopectl config: format: %w", err)
		}
		cfg.Format = format
	}
	if meta.IsDefined("services") {
		cfg.Services = trimAll(raw.Services)
	}
	if meta.IsDefined("security_mode") {
		cfg.Security.Mode = transport.SecurityMode(raw.SecurityMode)
	}
	if meta.IsDefined("tls") {
		cfg.Security.TLS = raw.TLS.transport()
	}

	cfg.Security.Mode = transport.NormalizeSecurityMode(cfg.Security.Mode)
	if err := cfg.Validate(); err != nil {
		return ScopectlConfig{}, fmt.Errorf("load scopectl config: %w", err)
	}
	return cfg, nil
}

func (t tlsFile) transport() transport.TLSConfig {
	return transport.TLSConfig{
		Enabled:            t.Enabled,
		Mutual:             t.Mutual,
		CAFile:             strings.TrimSpace(t.CAFile),
		CertFile:           strings.TrimSpace(t.CertFile),
		KeyFile:            strings.TrimSpace(t.KeyFile),
		ServerName:         strings.TrimSpace(t.ServerName),
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
}

// SplitAddress parses host:port into the pair sockets connect with.
func SplitAddress(addr string) (string, int, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0, ErrMissingAddress
	}
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrBadAddress, addr)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: bad port in %q", ErrBadAddress, addr)
	}
	return host, port, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
