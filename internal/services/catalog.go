// Package services holds the example services scoped can expose and the
// catalog that builds them by name.
package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/scope/internal/loop"
	"github.com/danmuck/scope/internal/protocol/schema"
	"github.com/danmuck/scope/internal/scope"
	"github.com/danmuck/scope/internal/services/echo"
	"github.com/danmuck/scope/internal/services/kv"
	"github.com/danmuck/scope/internal/services/runtimeinfo"
	"go.uber.org/multierr"
)

var (
	ErrServiceExists  = errors.New("services: service already in catalog")
	ErrFactoryNil     = errors.New("services: factory is nil")
	ErrInvalidName    = errors.New("services: invalid service name")
	ErrUnknownService = errors.New("services: unknown service")
)

// Factory builds a fresh service bound to rt.
type Factory func(rt *loop.Runtime) scope.Service

// Catalog maps service names to factories.
type Catalog struct {
	items map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{items: make(map[string]Factory)}
}

// Default returns a catalog with echo, kv and runtime-info.
func Default() *Catalog {
	c := NewCatalog()
	_ = c.Register(echo.Name, func(rt *loop.Runtime) scope.Service { return echo.New(rt) })
	_ = c.Register(kv.Name, func(*loop.Runtime) scope.Service { return kv.New() })
	_ = c.Register(runtimeinfo.Name, func(rt *loop.Runtime) scope.Service {
		return runtimeinfo.New(rt, runtimeinfo.Options{Interval: 5 * time.Second})
	})
	return c
}

// Register adds a factory under name.
func (c *Catalog) Register(name string, f Factory) error {
	if f == nil {
		return ErrFactoryNil
	}
	name = strings.TrimSpace(name)
	if !isValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := c.items[name]; ok {
		return fmt.Errorf("%w: %s", ErrServiceExists, name)
	}
	c.items[name] = f
	return nil
}

// Names lists catalog entries in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.items))
	for name := range c.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates the service registered under name.
func (c *Catalog) Build(rt *loop.Runtime, name string) (scope.Service, error) {
	f, ok := c.items[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return f(rt), nil
}

// Install builds every named service and registers it on the engine's
// builtin host. Failures are collected; the rest still install.
func (c *Catalog) Install(e *scope.Engine, names []string) error {
	var err error
	for _, name := range names {
		svc, buildErr := c.Build(e.Runtime(), name)
		if buildErr != nil {
			err = multierr.Append(err, buildErr)
			continue
		}
		err = multierr.Append(err, e.Register(svc))
	}
	return err
}

// Descriptors returns the interfaces of the named services, for hosts
// that transcode their payloads.
func (c *Catalog) Descriptors(rt *loop.Runtime, names []string) ([]*schema.Service, error) {
	out := make([]*schema.Service, 0, len(names))
	for _, name := range names {
		svc, err := c.Build(rt, name)
		if err != nil {
			return nil, err
		}
		out = append(out, svc.Descriptor())
	}
	return out, nil
}

func isValidName(name string) bool {
	if name == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		ch := name[i]
		isLower := ch >= 'a' && ch <= 'z'
		isDigit := ch >= '0' && ch <= '9'
		isSep := ch == '.' || ch == '-' || ch == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
