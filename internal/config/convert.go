package config

import (
	"math/rand"
	"time"

	"github.com/danmuck/scope/internal/scope"
)

// EngineOptions maps the daemon config onto the engine's builtin host.
func (c ScopedConfig) EngineOptions(onQuit func()) scope.EngineOptions {
	return scope.EngineOptions{
		Builtin: scope.BuiltinHostOptions{
			Name:               c.Name,
			Stp0DoubleUnescape: c.Stp0DoubleUnescape,
			OnQuit:             onQuit,
		},
	}
}

// ClientOptions returns the options of the debugger connection.
func (c ScopedConfig) ClientOptions(name string) (scope.NetworkClientOptions, error) {
	host, port, err := SplitAddress(c.DebuggerAddress)
	if err != nil {
		return scope.NetworkClientOptions{}, err
	}
	backoff := scope.DefaultBackoffConfig()
	backoff.MaxAttempts = c.ReconnectMaxAttempts
	return scope.NetworkClientOptions{
		Name:             name,
		Address:          host,
		Port:             port,
		Reconnect:        c.Reconnect,
		Backoff:          backoff,
		HandshakeTimeout: c.HandshakeTimeout,
		Rand:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// ProxyOptions returns the listener options for relayed applications.
func (c ScopedConfig) ProxyOptions() (scope.HostListenerOptions, error) {
	host, port, err := SplitAddress(c.ProxyListen)
	if err != nil {
		return scope.HostListenerOptions{}, err
	}
	return scope.HostListenerOptions{
		Address: host,
		Port:    port,
		Host: scope.NetworkHostOptions{
			Policy: c.Policy,
			Format: c.Format,
		},
	}, nil
}

// ListenerOptions returns the debugger-side listener options.
func (c ScopectlConfig) ListenerOptions() (scope.HostListenerOptions, error) {
	host, port, err := SplitAddress(c.ListenAddress)
	if err != nil {
		return scope.HostListenerOptions{}, err
	}
	return scope.HostListenerOptions{
		Address: host,
		Port:    port,
		Host: scope.NetworkHostOptions{
			Policy: c.Policy,
			Format: c.Format,
		},
	}, nil
}
